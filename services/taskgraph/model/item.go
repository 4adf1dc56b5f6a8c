// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the work-item entity, its closed enumerations,
// the typed error taxonomy, and the lookup interfaces every other
// taskgraph package operates on.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Enumerations
// =============================================================================

// ItemType determines which child types an item admits.
type ItemType string

const (
	TypeTask      ItemType = "TASK"
	TypeMilestone ItemType = "MILESTONE"
	TypeGroup     ItemType = "GROUP"
)

// IsValid reports whether t is a known type.
func (t ItemType) IsValid() bool {
	switch t {
	case TypeTask, TypeMilestone, TypeGroup:
		return true
	}
	return false
}

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusBlocked    Status = "BLOCKED"
	StatusCancelled  Status = "CANCELLED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusBlocked,
	StatusCancelled,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return slices.Contains(AllStatuses, s)
}

// =============================================================================
// Bounds
// =============================================================================

// Name and description bounds are in bytes, not runes.
const (
	MaxNameLength       = 200
	MaxDescriptionBytes = 4096
	MaxDependencies     = 256
	MaxMetadataKeys     = 64
	MaxMetadataBytes    = 16 * 1024
)

var itemValidate *validator.Validate

func init() {
	itemValidate = validator.New()
	_ = itemValidate.RegisterValidation("itempath", validateItemPath)
	_ = itemValidate.RegisterValidation("metadatasize", validateMetadataSize)
	_ = itemValidate.RegisterValidation("namebytes", maxBytes(MaxNameLength))
	_ = itemValidate.RegisterValidation("descbytes", maxBytes(MaxDescriptionBytes))
}

// maxBytes bounds the byte length of a string field.
func maxBytes(n int) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= n
	}
}

func validateItemPath(fl validator.FieldLevel) bool {
	return ValidPath(fl.Field().String())
}

// validateMetadataSize bounds the JSON-encoded size of the metadata map.
func validateMetadataSize(fl validator.FieldLevel) bool {
	data, err := json.Marshal(fl.Field().Interface())
	if err != nil {
		return false
	}
	return len(data) <= MaxMetadataBytes
}

// =============================================================================
// Item
// =============================================================================

// Item is a node in the work-item graph.
//
// # Description
//
// Path doubles as the hierarchy key: a child's path is its parent's path
// plus one segment. ParentPath is a lookup key, never an ownership pointer.
// Subtasks is derived from the current children on read and is not
// persisted as a source of truth. Version increases on every accepted
// mutation and drives optimistic-concurrency checks at commit.
type Item struct {
	Path         string         `json:"path" yaml:"path" validate:"required,itempath"`
	Name         string         `json:"name" yaml:"name" validate:"required,namebytes"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty" validate:"descbytes"`
	Type         ItemType       `json:"type" yaml:"type" validate:"required,oneof=TASK MILESTONE GROUP"`
	Status       Status         `json:"status" yaml:"status" validate:"omitempty,oneof=PENDING IN_PROGRESS COMPLETED FAILED BLOCKED CANCELLED"`
	ParentPath   string         `json:"parentPath,omitempty" yaml:"parentPath,omitempty" validate:"omitempty,itempath"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"max=256,unique,dive,itempath"`
	Subtasks     []string       `json:"subtasks,omitempty" yaml:"subtasks,omitempty" validate:"-"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty" validate:"omitempty,max=64,metadatasize"`
	Version      int64          `json:"version" yaml:"version" validate:"gte=0"`
	Created      time.Time      `json:"created" yaml:"created"`
	Updated      time.Time      `json:"updated" yaml:"updated"`
}

// Validate checks field-level bounds. Graph-level rules (hierarchy,
// dependencies, status) live in the validation package.
func (it *Item) Validate() error {
	if it == nil {
		return NewError(CodeInvalidField, "item must not be nil")
	}
	err := itemValidate.Struct(it)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewError(CodeInvalidField, err.Error(), it.Path)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return NewError(CodeInvalidField, strings.Join(msgs, "; "), it.Path)
}

// IsRoot reports whether the item has no parent.
func (it *Item) IsRoot() bool {
	return it.ParentPath == ""
}

// DependsOn reports whether path is among the item's dependencies.
func (it *Item) DependsOn(path string) bool {
	return slices.Contains(it.Dependencies, path)
}

// Clone returns a deep copy. Metadata values are copied one level deep.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	c.Dependencies = slices.Clone(it.Dependencies)
	c.Subtasks = slices.Clone(it.Subtasks)
	if it.Metadata != nil {
		c.Metadata = maps.Clone(it.Metadata)
	}
	return &c
}
