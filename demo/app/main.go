// Command app is a deliberately weak agri-shop origin used to exercise the
// gateway's rules by hand. Do not expose it.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type comment struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

type shop struct {
	mu       sync.Mutex
	comments []comment
	logger   *zap.Logger
}

var products = map[string][]string{
	"seeds":      {"heirloom tomato", "sweet corn", "sunflower"},
	"fertilizer": {"compost tea", "bone meal"},
	"tools":      {"hand trowel", "pruning shears"},
}

func main() {
	addr := flag.String("listen", ":9000", "listen address")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	s := &shop{logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.index)
	mux.HandleFunc("/products", s.listProducts)
	mux.HandleFunc("/search", s.search)
	mux.HandleFunc("/login", s.login)
	mux.HandleFunc("/comments", s.handleComments)
	mux.HandleFunc("/checkout", s.checkout)
	mux.HandleFunc("/internal/stats", s.stats)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           poweredBy(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("demo shop listening", zap.String("listen", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}

// poweredBy leaks the stack on every response.
func poweredBy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "AgriShop/1.0 (PHP/5.6)")
		next.ServeHTTP(w, r)
	})
}

func (s *shop) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("agri-shop ok"))
}

// listProducts answers a quote in category with a raw database error.
func (s *shop) listProducts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if strings.ContainsAny(category, "'\"") {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprintf(w, "<p>You have an error in your SQL syntax near '%s'</p>", category)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "items": products[category]})
}

// search reflects q unescaped.
func (s *shop) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<h1>Results for %s</h1>", q)
}

func (s *shop) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("username") == "farmer" && r.PostForm.Get("password") == "harvest" {
		writeJSON(w, http.StatusOK, map[string]string{"session": "demo-session"})
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
}

func (s *shop) handleComments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		for _, c := range s.comments {
			_, _ = fmt.Fprintf(w, "<p><b>%s</b>: %s</p>\n", html.EscapeString(c.Author), c.Text)
		}
	case http.MethodPost:
		var c comment
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.comments = append(s.comments, c)
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, c)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// checkout trusts a client-supplied isAdmin flag to waive payment.
func (s *shop) checkout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	admin := q.Get("isAdmin") == "true" || q.Get("is_admin") == "true"
	total := 42.50
	if admin {
		total = 0
		s.logger.Warn("checkout waived by admin flag", zap.String("remote", r.RemoteAddr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "admin": admin})
}

func (s *shop) stats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.comments)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"comments": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
