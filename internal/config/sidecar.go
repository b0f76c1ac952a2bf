package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/sharedmq/sharedmq/internal/fs"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// sidecarName is the optional human-edited file ReadSidecar reads and
// WriteSidecar writes. Nothing else in the module reads it: queue.Open
// passes its caller's Params straight to Create, so the sidecar does not
// seed or change config.dat by itself.
const sidecarName = "queue.json"

// sidecarFS is the filesystem sidecar reads/writes go through, the same
// abstraction the queue's creation lock uses instead of calling os directly.
var sidecarFS fs.FS = fs.NewReal()

// sidecarDoc is the JWCC (JSON-with-comments) shape of queue.json. Either
// field may be omitted, in which case callers fall back to their own
// default.
type sidecarDoc struct {
	VisibilityTimeoutMillis *int64 `json:"visibilityTimeoutMillis,omitempty"`
	RetentionPeriodMillis   *int64 `json:"retentionPeriodMillis,omitempty"`
}

// ReadSidecar reads queue.json from dir, if present, and overlays any
// fields it sets onto defaults. A missing sidecar file is not an error -
// defaults are returned unchanged.
func ReadSidecar(dir string, defaults Params) (Params, error) {
	path := dir + string(os.PathSeparator) + sidecarName

	raw, err := sidecarFS.ReadFile(path)
	if os.IsNotExist(err) {
		return defaults, nil
	}
	if err != nil {
		return Params{}, fmt.Errorf("%w: reading %s: %v", qerrors.ErrIO, path, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return Params{}, fmt.Errorf("%w: parsing %s: %v", qerrors.ErrFormat, path, err)
	}

	var doc sidecarDoc
	if err := json.Unmarshal(standard, &doc); err != nil {
		return Params{}, fmt.Errorf("%w: decoding %s: %v", qerrors.ErrFormat, path, err)
	}

	p := defaults
	if doc.VisibilityTimeoutMillis != nil {
		p.VisibilityTimeout = time.Duration(*doc.VisibilityTimeoutMillis) * time.Millisecond
	}
	if doc.RetentionPeriodMillis != nil {
		p.RetentionPeriod = time.Duration(*doc.RetentionPeriodMillis) * time.Millisecond
	}

	return p, nil
}

// WriteSidecar atomically (re)writes queue.json in dir to reflect p, a
// human-readable record of the parameters a queue was created with. No
// command in this module calls it.
func WriteSidecar(dir string, p Params) error {
	path := dir + string(os.PathSeparator) + sidecarName

	doc := sidecarDoc{
		VisibilityTimeoutMillis: ptr(p.VisibilityTimeout.Milliseconds()),
		RetentionPeriodMillis:   ptr(p.RetentionPeriod.Milliseconds()),
	}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", qerrors.ErrIO, path, err)
	}

	if err := sidecarFS.WriteFileAtomic(path, encoded, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", qerrors.ErrIO, path, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
