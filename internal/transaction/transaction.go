package transaction

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// StateFileName is written inside the build directory.
const StateFileName = "build-state.yaml"

// State represents the state of a build stage.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// BuildTxn records one build of a Jellyfish version on one platform.
type BuildTxn struct {
	Schema    int        `yaml:"schema"`
	ID        string     `yaml:"id"`
	Version   string     `yaml:"version"`
	Platform  string     `yaml:"platform"`
	Timestamp time.Time  `yaml:"timestamp"`
	Stages    []StageTxn `yaml:"stages"`
}

// StageTxn is the recorded state of one stage.
type StageTxn struct {
	Name      string    `yaml:"name"`
	State     State     `yaml:"state"`
	Updated   time.Time `yaml:"updated,omitempty"`
	LastError string    `yaml:"last_error,omitempty"`
}

// New creates a transaction with every stage pending.
func New(version, platform string, stages []string) *BuildTxn {
	st := make([]StageTxn, 0, len(stages))
	for _, name := range stages {
		st = append(st, StageTxn{Name: name, State: StatePending})
	}
	return &BuildTxn{
		Schema:    1,
		ID:        uuid.New().String(),
		Version:   version,
		Platform:  platform,
		Timestamp: time.Now().UTC(),
		Stages:    st,
	}
}

// Save writes the transaction to dir atomically.
func (t *BuildTxn) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal build state: %w", err)
	}

	if err := renameio.WriteFile(filepath.Join(dir, StateFileName), data, 0o644); err != nil {
		return fmt.Errorf("write build state: %w", err)
	}
	return nil
}

// Load reads the transaction saved in dir. A missing file is reported with
// an error satisfying errors.Is(err, os.ErrNotExist).
func Load(dir string) (*BuildTxn, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return nil, fmt.Errorf("read build state: %w", err)
	}

	var txn BuildTxn
	if err := yaml.Unmarshal(data, &txn); err != nil {
		return nil, fmt.Errorf("unmarshal build state: %w", err)
	}
	return &txn, nil
}

// LoadOrNew loads the transaction from dir and keeps it when it describes
// the same version and platform. Otherwise a fresh one is returned. The
// error reports a state file that exists but could not be read; the
// returned transaction is fresh and usable in that case too.
func LoadOrNew(dir, version, platform string, stages []string) (*BuildTxn, error) {
	txn, err := Load(dir)
	if err != nil {
		if IsNotExist(err) {
			err = nil
		}
		return New(version, platform, stages), err
	}
	if txn.Version != version || txn.Platform != platform {
		return New(version, platform, stages), nil
	}
	for _, name := range stages {
		if txn.stage(name) == nil {
			txn.Stages = append(txn.Stages, StageTxn{Name: name, State: StatePending})
		}
	}
	return txn, nil
}

func (t *BuildTxn) stage(name string) *StageTxn {
	for i := range t.Stages {
		if t.Stages[i].Name == name {
			return &t.Stages[i]
		}
	}
	return nil
}

// UpdateStage sets the state of a stage, recording err when non-nil.
func (t *BuildTxn) UpdateStage(name string, state State, err error) {
	s := t.stage(name)
	if s == nil {
		t.Stages = append(t.Stages, StageTxn{Name: name})
		s = &t.Stages[len(t.Stages)-1]
	}
	s.State = state
	s.Updated = time.Now().UTC()
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.LastError = ""
	}
}

// Completed reports whether the named stage finished successfully.
func (t *BuildTxn) Completed(name string) bool {
	s := t.stage(name)
	return s != nil && s.State == StateCompleted
}

// Failed returns the first failed stage, if any.
func (t *BuildTxn) Failed() (StageTxn, bool) {
	for _, s := range t.Stages {
		if s.State == StateFailed {
			return s, true
		}
	}
	return StageTxn{}, false
}

// Reset marks the named stages pending again.
func (t *BuildTxn) Reset(names ...string) {
	for _, name := range names {
		if s := t.stage(name); s != nil {
			s.State = StatePending
			s.LastError = ""
		}
	}
}

// IsNotExist reports whether err came from a missing state file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
