package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rpggio/qcflow/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate ensures the configuration is usable. Failures are configuration errors.
func (c *Config) Validate() error {
	if err := c.validateFields(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateFields() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return apperr.Wrap(apperr.KindConfiguration, "validate config", "invalid configuration", err)
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, fieldErrorMessage(fe))
	}
	return apperr.New(apperr.KindConfiguration, "validate config", strings.Join(messages, "; "))
}

func (c *Config) validateAuth() error {
	if !c.Auth.Enabled {
		return nil
	}
	if len(c.Auth.Tokens) == 0 {
		return apperr.New(apperr.KindConfiguration, "validate config",
			"auth.tokens must be set when auth.enabled is true")
	}
	for token, station := range c.Auth.Tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(station) == "" {
			return apperr.New(apperr.KindConfiguration, "validate config",
				"auth.tokens entries need a token and a station name")
		}
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	seen := make(map[string]bool, len(e.SessionTypePriority))
	for _, typ := range e.SessionTypePriority {
		key := strings.ToLower(strings.TrimSpace(typ))
		if seen[key] {
			return apperr.New(apperr.KindConfiguration, "validate config",
				fmt.Sprintf("engine.session_type_priority lists %q twice", typ))
		}
		seen[key] = true
	}
	if e.MaxParallelStepsGlobal > 0 && e.MaxParallelStepsPerSession > e.MaxParallelStepsGlobal {
		return apperr.New(apperr.KindConfiguration, "validate config",
			"engine.max_parallel_steps_per_session cannot exceed engine.max_parallel_steps_global")
	}
	if c.Redis.RateLimit && !c.Redis.Enabled() {
		return apperr.New(apperr.KindConfiguration, "validate config",
			"redis.addr must be set when redis.rate_limit is true")
	}
	return nil
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation for '%s'", field, fe.Tag())
	}
}
