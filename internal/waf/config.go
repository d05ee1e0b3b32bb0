package waf

import (
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/rules"
	"github.com/vigilwaf/vigil/internal/txn"
)

type BodyLimitAction string

const (
	// BodyLimitReject denies oversized bodies with Config.BodyLimitStatus.
	BodyLimitReject BodyLimitAction = "reject"
	// BodyLimitPass evaluates the phase without the body.
	BodyLimitPass BodyLimitAction = "pass"
)

const (
	DefaultRequestBodyLimit  = 128 << 10
	DefaultResponseBodyLimit = 512 << 10
)

// Config holds the engine settings that are fixed for its lifetime.
type Config struct {
	Mode      policy.Mode
	RuleFiles []string
	Rules     rules.Options

	RequestBodyLimit  int64
	ResponseBodyLimit int64
	BodyLimitAction   BodyLimitAction
	BodyLimitStatus   int
	// MaxBodyArgs caps the arguments parsed from a request body. A body
	// with more is handled like an oversized one.
	MaxBodyArgs int

	// InspectResponseBody enables phase 4 body access for the listed media
	// types; an empty list allows every type.
	InspectResponseBody bool
	ResponseMIMETypes   []string
}

func (c *Config) applyDefaults() error {
	if c.Mode == "" {
		c.Mode = policy.ModeOn
	}
	if c.RequestBodyLimit <= 0 {
		c.RequestBodyLimit = DefaultRequestBodyLimit
	}
	if c.ResponseBodyLimit <= 0 {
		c.ResponseBodyLimit = DefaultResponseBodyLimit
	}
	if c.MaxBodyArgs <= 0 {
		c.MaxBodyArgs = txn.DefaultMaxBodyArgs
	}
	if c.BodyLimitAction == "" {
		c.BodyLimitAction = BodyLimitReject
	}
	if c.BodyLimitAction != BodyLimitReject && c.BodyLimitAction != BodyLimitPass {
		return fmt.Errorf("unknown body limit action %q", c.BodyLimitAction)
	}
	if c.BodyLimitStatus == 0 {
		c.BodyLimitStatus = http.StatusRequestEntityTooLarge
	}
	if c.Rules.DefaultDenyStatus == 0 {
		c.Rules.DefaultDenyStatus = http.StatusForbidden
	}
	return nil
}

func (c *Config) inspectsResponseBody(headers http.Header) bool {
	if !c.InspectResponseBody {
		return false
	}
	if len(c.ResponseMIMETypes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(headers.Get("Content-Type"))
	if err != nil {
		return false
	}
	for _, t := range c.ResponseMIMETypes {
		if strings.EqualFold(t, mediaType) {
			return true
		}
	}
	return false
}
