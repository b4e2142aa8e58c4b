// Copyright © 2018 One Concern

package action

import (
	"time"

	"github.com/oneconcern/buildfarm/pkg/digest"
)

// OutputFile is a file produced by an execution, stored in the CAS
type OutputFile struct {
	Path       string        `json:"path"`
	Digest     digest.Digest `json:"digest"`
	Executable bool          `json:"executable,omitempty"`
}

// Metadata records where and when an action ran
type Metadata struct {
	Worker          string    `json:"worker,omitempty"`
	QueuedAt        time.Time `json:"queuedAt"`
	WorkerStart     time.Time `json:"workerStart"`
	WorkerCompleted time.Time `json:"workerCompleted"`
	Attempts        int       `json:"attempts,omitempty"`
}

// Result of an execution. A non-zero exit code is a regular, cacheable result.
type Result struct {
	ExitCode     int           `json:"exitCode"`
	OutputFiles  []OutputFile  `json:"outputFiles,omitempty"`
	StdoutDigest digest.Digest `json:"stdoutDigest"`
	StderrDigest digest.Digest `json:"stderrDigest"`
	Metadata     Metadata      `json:"metadata"`
}

// Succeeded is true when the command exited with 0
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Digests of every blob referenced by the result
func (r *Result) Digests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(r.OutputFiles)+2)
	for _, f := range r.OutputFiles {
		ds = append(ds, f.Digest)
	}
	return append(ds, r.StdoutDigest, r.StderrDigest)
}

// MarshalResult encodes a result
func MarshalResult(r *Result) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult decodes a result
func UnmarshalResult(data []byte) (*Result, error) {
	r := new(Result)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
