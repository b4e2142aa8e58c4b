// Copyright © 2018 One Concern

// Package action models the unit of work submitted for remote execution, its
// input tree and its result. Actions are identified by the digest of their
// canonical serialization.
package action

import (
	"path"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/oneconcern/buildfarm/pkg/digest"
	"github.com/oneconcern/buildfarm/pkg/errors"
	"github.com/oneconcern/buildfarm/pkg/platform"
)

var (
	// ErrInvalidAction is returned for actions that cannot be executed
	ErrInvalidAction = errors.New("invalid action")

	// canonical encoding: sorted map keys, no HTML escaping differences
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// Command describes the process to run
type Command struct {
	Arguments        []string          `json:"arguments"`
	Environment      map[string]string `json:"environment,omitempty"`
	OutputPaths      []string          `json:"outputPaths,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
}

// Action is a command, its inputs and the platform it requires. Actions are values:
// do not mutate one after computing its digest.
type Action struct {
	Command    Command             `json:"command"`
	InputRoot  digest.Digest       `json:"inputRoot"`
	Platform   platform.Properties `json:"platform,omitempty"`
	Timeout    time.Duration       `json:"timeout,omitempty"`
	DoNotCache bool                `json:"doNotCache,omitempty"`

	// Priority orders the queue. It does not take part in the action identity.
	Priority int `json:"-"`
}

func canonicalPath(p string) (string, error) {
	if p == "" || path.IsAbs(p) {
		return "", ErrInvalidAction.WrapMessage("path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidAction.WrapMessage("path %q escapes the execution root", p)
	}
	return clean, nil
}

// Validate checks that the action can be executed
func (a Action) Validate() error {
	if len(a.Command.Arguments) == 0 || a.Command.Arguments[0] == "" {
		return ErrInvalidAction.WrapMessage("empty command")
	}
	if a.InputRoot.IsZero() {
		return digest.ErrInvalidDigest.WrapMessage("missing input root")
	}
	if err := a.InputRoot.Validate(); err != nil {
		return err
	}
	if a.Timeout < 0 {
		return ErrInvalidAction.WrapMessage("negative timeout")
	}
	if a.Command.WorkingDirectory != "" {
		if _, err := canonicalPath(a.Command.WorkingDirectory); err != nil {
			return err
		}
	}
	for _, p := range a.Command.OutputPaths {
		if _, err := canonicalPath(p); err != nil {
			return err
		}
	}
	return nil
}

// Canonical returns a normalized copy: cleaned and sorted output paths
func (a Action) Canonical() Action {
	c := a
	c.Command.Arguments = append([]string(nil), a.Command.Arguments...)
	c.Command.OutputPaths = make([]string, 0, len(a.Command.OutputPaths))
	seen := make(map[string]bool, len(a.Command.OutputPaths))
	for _, p := range a.Command.OutputPaths {
		clean := path.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		c.Command.OutputPaths = append(c.Command.OutputPaths, clean)
	}
	sort.Strings(c.Command.OutputPaths)
	if len(c.Command.OutputPaths) == 0 {
		c.Command.OutputPaths = nil
	}
	if len(a.Command.Environment) == 0 {
		c.Command.Environment = nil
	}
	if len(a.Platform) == 0 {
		c.Platform = nil
	}
	return c
}

// Marshal returns the canonical serialization
func (a Action) Marshal() ([]byte, error) {
	return json.Marshal(a.Canonical())
}

// Digest identifies the action
func (a Action) Digest() (digest.Digest, []byte, error) {
	data, err := a.Marshal()
	if err != nil {
		return digest.Digest{}, nil, err
	}
	return digest.Of(data), data, nil
}

// Unmarshal an action
func Unmarshal(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, ErrInvalidAction.Wrap(err)
	}
	return a, nil
}
