package roles

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// DefaultTemperature applies when a definition omits temperature.
	DefaultTemperature = 0.2
	// DefaultLanguage applies when a definition omits language.
	DefaultLanguage = "en"
)

// Role is a named capability profile: a persona plus the background commands
// it may execute.
type Role struct {
	Slug             string   `json:"slug" yaml:"slug" validate:"required,max=64,slug"`
	Name             string   `json:"name" yaml:"name" validate:"required"`
	Description      string   `json:"description" yaml:"description"`
	CommandWhitelist []string `json:"command_whitelist" yaml:"command_whitelist" validate:"dive,required,token"`
	SystemPrompt     string   `json:"system_prompt" yaml:"system_prompt"`
	Language         string   `json:"language" yaml:"language" validate:"required"`
	Persona          string   `json:"persona" yaml:"persona"`
	Temperature      float64  `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
}

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Slug    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Slug == "" {
		return fmt.Sprintf("role: %s %s", e.Field, e.Message)
	}
	return fmt.Sprintf("role %s: %s %s", e.Slug, e.Field, e.Message)
}

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	validate    = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("token", func(fl validator.FieldLevel) bool {
		token := fl.Field().String()
		return !strings.ContainsAny(token, " \t\r\n") && CommandKey(token) != ""
	})
	return v
}

// Normalized returns a trimmed copy with defaults applied: lowercase slug,
// title-cased name when missing, lowercase de-duplicated whitelist tokens.
func (r Role) Normalized() Role {
	clone := Role{
		Slug:         strings.ToLower(strings.TrimSpace(r.Slug)),
		Name:         strings.TrimSpace(r.Name),
		Description:  strings.TrimSpace(r.Description),
		SystemPrompt: strings.TrimSpace(r.SystemPrompt),
		Language:     strings.ToLower(strings.TrimSpace(r.Language)),
		Persona:      strings.TrimSpace(r.Persona),
		Temperature:  r.Temperature,
	}
	if clone.Name == "" {
		clone.Name = titleFromSlug(clone.Slug)
	}
	if clone.Language == "" {
		clone.Language = DefaultLanguage
	}
	if len(r.CommandWhitelist) > 0 {
		seen := make(map[string]struct{}, len(r.CommandWhitelist))
		clone.CommandWhitelist = make([]string, 0, len(r.CommandWhitelist))
		for _, token := range r.CommandWhitelist {
			token = strings.ToLower(strings.TrimSpace(token))
			if _, dup := seen[token]; dup {
				continue
			}
			seen[token] = struct{}{}
			clone.CommandWhitelist = append(clone.CommandWhitelist, token)
		}
	}
	return clone
}

// Validate checks the normalized role against its struct tags.
func (r Role) Validate() error {
	normalized := r.Normalized()
	if err := validate.Struct(normalized); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{
				Slug:    normalized.Slug,
				Field:   fieldName(fe),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return fmt.Errorf("role %s: %w", normalized.Slug, err)
	}
	return nil
}

// Allows reports whether token names a whitelisted command. The sigil is not
// compared, so "!outline" and "/outline" both match a whitelisted "!outline".
func (r Role) Allows(token string) bool {
	key := CommandKey(token)
	if key == "" {
		return false
	}
	for _, candidate := range r.CommandWhitelist {
		if CommandKey(candidate) == key {
			return true
		}
	}
	return false
}

// CommandKey reduces a whitelist entry or submitted token to its lowercase
// command name by dropping any leading sigil characters.
func CommandKey(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	return strings.TrimLeftFunc(token, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func fieldName(fe validator.FieldError) string {
	name := fe.StructField()
	suffix := ""
	if idx := strings.Index(name, "["); idx >= 0 {
		name, suffix = name[:idx], name[idx:]
	}
	switch name {
	case "CommandWhitelist":
		name = "command_whitelist"
	case "SystemPrompt":
		name = "system_prompt"
	default:
		name = strings.ToLower(name)
	}
	return name + suffix
}

func titleFromSlug(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	return cases.Title(language.English).String(strings.Join(words, " "))
}
