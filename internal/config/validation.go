package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// Validate checks the settings the pipeline cannot run without.
func (c MedrecConfig) Validate() error {
	var errs ValidationErrors

	if c.Backend.BaseURL == "" {
		errs.Add("backend.baseURL", "is required")
	} else if err := validateHTTPURL(c.Backend.BaseURL); err != nil {
		errs.Add("backend.baseURL", err.Error(), c.Backend.BaseURL)
	}

	if c.Identity.TokenURL == "" && c.Identity.Issuer == "" {
		errs.Add("identity.tokenURL", "either tokenURL or issuer is required")
	}
	if c.Identity.TokenURL != "" {
		if err := validateHTTPURL(c.Identity.TokenURL); err != nil {
			errs.Add("identity.tokenURL", err.Error(), c.Identity.TokenURL)
		}
	}
	if c.Identity.ClientID == "" {
		errs.Add("identity.clientID", "is required")
	}

	if c.Backend.Timeout < 0 {
		errs.Add("backend.timeout", "must not be negative", c.Backend.Timeout)
	}
	if c.Backend.RateLimit < 0 {
		errs.Add("backend.rateLimit", "must not be negative", c.Backend.RateLimit)
	}
	if c.Identity.RefreshTimeout < 0 {
		errs.Add("identity.refreshTimeout", "must not be negative", c.Identity.RefreshTimeout)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}
