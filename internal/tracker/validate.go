package tracker

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"tdvc/internal/errs"
)

// VersionInput is the caller-supplied part of a new version.
type VersionInput struct {
	Name        string `validate:"min=1,max=256,singleline"`
	Description string `validate:"max=1024"`
}

// TagInput is a tag to attach. Ref is the full reference the tag will live
// under.
type TagInput struct {
	Ref string `validate:"required,gitref"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("gitref", func(fl validator.FieldLevel) bool {
			return IsValidRefName(fl.Field().String())
		})
		_ = validate.RegisterValidation("singleline", func(fl validator.FieldLevel) bool {
			return !strings.ContainsAny(fl.Field().String(), "\r\n")
		})
	})
	return validate
}

// ValidateVersion checks name and description lengths. Names are a single
// line so they never contain the message separator.
func ValidateVersion(name, description string) error {
	if err := getValidator().Struct(VersionInput{Name: name, Description: description}); err != nil {
		return errs.Validation("createVersion", "invalid version (name must be one line of 1-256 characters, description at most 1024): %v", err)
	}
	return nil
}

// ValidateTag checks that tag can be stored under refs/tags/.
func ValidateTag(tag string) error {
	if tag == "" {
		return errs.Validation("addTag", "tag is required")
	}
	if tag == "@" || strings.HasPrefix(tag, "/") || strings.HasSuffix(tag, "/") || strings.HasSuffix(tag, ".") {
		return errs.Validation("addTag", "invalid tag %q", tag)
	}
	if err := getValidator().Struct(TagInput{Ref: "refs/tags/" + tag}); err != nil {
		return errs.Validation("addTag", "invalid tag %q", tag)
	}
	return nil
}

// IsValidRefName reports whether name is a legal reference name: at least one
// slash, no empty or dot-led component, no component ending in .lock, no
// trailing dot or slash, no "@{", not "@", and none of the forbidden bytes.
func IsValidRefName(name string) bool {
	if name == "" || name == "@" {
		return false
	}
	if !strings.Contains(name, "/") {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return false
	}
	if strings.Contains(name, "//") || strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return false
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return false
		}
	}
	return true
}
