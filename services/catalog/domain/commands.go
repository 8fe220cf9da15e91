// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MaxNameLength bounds category, tag and resource names in bytes.
const MaxNameLength = 256

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance returns the shared validator with catalog rules registered.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("trimmed_required", validateTrimmedRequired)
	})
	return validate
}

// validateTrimmedRequired rejects strings that are empty after trimming.
func validateTrimmedRequired(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// NewCategory is the command for creating a category.
type NewCategory struct {
	Name string `json:"name" validate:"trimmed_required,max=256"`

	// ParentID is empty for a root category.
	ParentID   string         `json:"parent_id" validate:"omitempty,max=64"`
	Attributes map[string]any `json:"attributes"`
}

// UpdateCategory renames a category or replaces its attributes.
// Nil fields are left unchanged.
type UpdateCategory struct {
	Name       *string        `json:"name" validate:"omitempty,trimmed_required,max=256"`
	Attributes map[string]any `json:"attributes"`
}

// NewTag is the command for creating a tag.
type NewTag struct {
	Name       string         `json:"name" validate:"trimmed_required,max=256"`
	Attributes map[string]any `json:"attributes"`
}

// UpdateTag renames a tag or replaces its attributes.
type UpdateTag struct {
	Name       *string        `json:"name" validate:"omitempty,trimmed_required,max=256"`
	Attributes map[string]any `json:"attributes"`
}

// NewResource is the command for creating a resource.
type NewResource struct {
	Name       string         `json:"name" validate:"trimmed_required,max=256"`
	CategoryID string         `json:"category_id" validate:"required,max=64"`
	TagIDs     []string       `json:"tag_ids" validate:"max=32,unique,dive,required,max=64"`
	Attributes map[string]any `json:"attributes"`
}

// UpdateResource changes a resource. Nil fields are left unchanged.
type UpdateResource struct {
	Name       *string        `json:"name" validate:"omitempty,trimmed_required,max=256"`
	CategoryID *string        `json:"category_id" validate:"omitempty,min=1,max=64"`
	TagIDs     *[]string      `json:"tag_ids" validate:"omitempty,max=32,unique,dive,required,max=64"`
	Attributes map[string]any `json:"attributes"`
}

// Validate checks a command struct and converts failures to ErrValidation.
//
// Description:
//
//	Runs the struct tag rules and reports every failing field in the detail
//	message. The core fails closed on malformed input even though shape
//	validation normally happens upstream.
//
// Inputs:
//
//	op - Operation name used in the returned error.
//	cmd - Pointer to one of the command structs.
//
// Outputs:
//
//	error - Nil when valid, otherwise a KindValidation *Error.
func Validate(op string, cmd any) error {
	err := validatorInstance().Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
		}
		return Errorf(KindValidation, op, "", "%s", strings.Join(fields, "; "))
	}
	return E(KindValidation, op, "", err)
}
