// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads the state of a training run: model weights, the states of the
// main and auxiliary optimizers, the epoch and the evaluation loss.
//
// A checkpoint is a single file: a header ("gomlx_checkpoints" followed by the compression name), and a
// gzip stream with a JSON metadata block followed by the raw tensor values. The Manager writes the current
// checkpoint to a fixed path in its directory and, when requested, copies it to the "best" path.
package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
	"github.com/gomlx/rdcompress/pkg/support/fsutil"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// FileName of the checkpoint saved at every epoch.
	FileName = "checkpoint.bin"

	// BestFileName of the copy of the checkpoint with the lowest evaluation loss.
	BestFileName = "checkpoint_best_loss.bin"

	magic       = "gomlx_checkpoints"
	compression = "gzip"
	version     = 1
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)
)

// Record is the state of a run saved in a checkpoint.
type Record struct {
	// Epoch is the number of epochs completed.
	Epoch int

	// StateDict holds the model weights by parameter name, see model.StateDict.
	StateDict map[string]*tensors.Tensor

	// Loss is the evaluation loss of the model.
	Loss float64

	Optimizer, AuxOptimizer *optimizers.State
}

// Snapshot creates a Record with copies of the current state of the model and optimizers.
func Snapshot(epoch int, loss float64, m model.Model, main, aux optimizers.Interface) *Record {
	return &Record{
		Epoch:        epoch,
		StateDict:    model.StateDict(m),
		Loss:         loss,
		Optimizer:    main.StateDict(),
		AuxOptimizer: aux.StateDict(),
	}
}

// Restore loads the model weights and the optimizers' states from the record.
// Any of main or aux can be nil, in which case they are not restored.
func (rec *Record) Restore(m model.Model, main, aux optimizers.Interface) error {
	if err := model.LoadStateDict(m, rec.StateDict); err != nil {
		return errors.WithMessage(err, "failed to restore model weights")
	}
	for _, pair := range []struct {
		name  string
		opt   optimizers.Interface
		state *optimizers.State
	}{{"optimizer", main, rec.Optimizer}, {"aux_optimizer", aux, rec.AuxOptimizer}} {
		if pair.opt == nil {
			continue
		}
		if pair.state == nil {
			return errors.Errorf("checkpoint has no state for %s", pair.name)
		}
		if err := pair.opt.LoadStateDict(pair.state); err != nil {
			return errors.WithMessagef(err, "failed to restore %s", pair.name)
		}
	}
	return nil
}

// Groups of tensors in the serialized checkpoint.
const (
	groupStateDict    = "state_dict"
	groupOptimizer    = "optimizer"
	groupAuxOptimizer = "aux_optimizer"
)

// serializedRecord is the metadata block of a checkpoint.
type serializedRecord struct {
	Version int
	Epoch   int

	// Loss is formatted with strconv, since JSON doesn't support non-finite values.
	Loss string

	Optimizer, AuxOptimizer *serializedOptimizer

	// Tensors in the order they are stored after the metadata.
	Tensors []serializedTensor
}

type serializedOptimizer struct {
	Name            string
	Step            int64
	Hyperparameters map[string]float64
}

// serializedTensor contains information about a tensor that was serialized.
type serializedTensor struct {
	Group, Name string

	// Dimensions of the shape.
	Dimensions []int
}

// Write the record to w.
func (rec *Record) Write(w io.Writer) error {
	meta := serializedRecord{
		Version: version,
		Epoch:   rec.Epoch,
		Loss:    strconv.FormatFloat(rec.Loss, 'g', -1, 64),
	}
	var values []*tensors.Tensor
	add := func(group string, dict map[string]*tensors.Tensor) {
		for _, name := range xslices.SortedKeys(dict) {
			meta.Tensors = append(meta.Tensors, serializedTensor{Group: group, Name: name, Dimensions: dict[name].Shape()})
			values = append(values, dict[name])
		}
	}
	add(groupStateDict, rec.StateDict)
	if rec.Optimizer != nil {
		meta.Optimizer = &serializedOptimizer{rec.Optimizer.Name, rec.Optimizer.Step, rec.Optimizer.Hyperparameters}
		add(groupOptimizer, rec.Optimizer.Slots)
	}
	if rec.AuxOptimizer != nil {
		meta.AuxOptimizer = &serializedOptimizer{rec.AuxOptimizer.Name, rec.AuxOptimizer.Step, rec.AuxOptimizer.Hyperparameters}
		add(groupAuxOptimizer, rec.AuxOptimizer.Slots)
	}
	encodedMeta, err := json.Marshal(&meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint metadata")
	}

	header := append([]byte(magic), byte(len(compression)))
	header = append(header, compression...)
	if _, err = w.Write(header); err != nil {
		return errors.Wrap(err, "failed to write checkpoint header")
	}
	zw := gzip.NewWriter(w)
	if err = binary.Write(zw, binary.LittleEndian, uint64(len(encodedMeta))); err != nil {
		return errors.Wrap(err, "failed to write checkpoint metadata")
	}
	if _, err = zw.Write(encodedMeta); err != nil {
		return errors.Wrap(err, "failed to write checkpoint metadata")
	}
	for ii, t := range values {
		if err = t.WriteRaw(zw); err != nil {
			return errors.WithMessagef(err, "failed to write %s/%s", meta.Tensors[ii].Group, meta.Tensors[ii].Name)
		}
	}
	if err = zw.Close(); err != nil {
		return errors.Wrap(err, "failed to flush compressed checkpoint")
	}
	return nil
}

// Read a record written by Record.Write.
func Read(r io.Reader) (*Record, error) {
	header := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint header")
	}
	if string(header[:len(magic)]) != magic {
		return nil, errors.New("not a checkpoint: invalid header")
	}
	compressionName := make([]byte, header[len(magic)])
	if _, err := io.ReadFull(r, compressionName); err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint header")
	}
	if string(compressionName) != compression {
		return nil, errors.Errorf("checkpoint compression %q not supported", compressionName)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress checkpoint")
	}
	defer func() { _ = zr.Close() }()

	var metaLen uint64
	if err = binary.Read(zr, binary.LittleEndian, &metaLen); err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint metadata")
	}
	if metaLen > 1<<30 {
		return nil, errors.Errorf("invalid checkpoint metadata length %d", metaLen)
	}
	encodedMeta := make([]byte, metaLen)
	if _, err = io.ReadFull(zr, encodedMeta); err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint metadata")
	}
	var meta serializedRecord
	if err = json.Unmarshal(encodedMeta, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint metadata")
	}
	if meta.Version != version {
		return nil, errors.Errorf("checkpoint version %d not supported", meta.Version)
	}
	rec := &Record{Epoch: meta.Epoch, StateDict: make(map[string]*tensors.Tensor)}
	rec.Loss, err = strconv.ParseFloat(meta.Loss, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid checkpoint loss %q", meta.Loss)
	}
	toState := func(s *serializedOptimizer) *optimizers.State {
		if s == nil {
			return nil
		}
		return &optimizers.State{Name: s.Name, Step: s.Step, Hyperparameters: s.Hyperparameters,
			Slots: make(map[string]*tensors.Tensor)}
	}
	rec.Optimizer = toState(meta.Optimizer)
	rec.AuxOptimizer = toState(meta.AuxOptimizer)
	for _, st := range meta.Tensors {
		t, err := tensors.ReadRaw(zr, st.Dimensions...)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read %s/%s", st.Group, st.Name)
		}
		switch {
		case st.Group == groupStateDict:
			rec.StateDict[st.Name] = t
		case st.Group == groupOptimizer && rec.Optimizer != nil:
			rec.Optimizer.Slots[st.Name] = t
		case st.Group == groupAuxOptimizer && rec.AuxOptimizer != nil:
			rec.AuxOptimizer.Slots[st.Name] = t
		default:
			return nil, errors.Errorf("checkpoint has tensor %q in unknown group %q", st.Name, st.Group)
		}
	}
	return rec, nil
}

// Load reads the checkpoint in the given file.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint")
	}
	defer func() { _ = f.Close() }()
	rec, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	return rec, nil
}

// Manager saves checkpoints in a directory.
type Manager struct {
	dir string
}

// NewManager creates a Manager for the directory dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dir)
	if err == nil && !fi.IsDir() {
		return nil, errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir)
	}
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to os.Stat(%q)", dir)
		}
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "trying to create dir %q", dir)
		}
	}
	return &Manager{dir: dir}, nil
}

// Dir where checkpoints are saved.
func (m *Manager) Dir() string { return m.dir }

// Path of the checkpoint saved at every epoch.
func (m *Manager) Path() string { return filepath.Join(m.dir, FileName) }

// BestPath of the checkpoint with the lowest evaluation loss.
func (m *Manager) BestPath() string { return filepath.Join(m.dir, BestFileName) }

func (m *Manager) String() string { return "checkpoints.Manager(" + m.dir + ")" }

// Save writes rec to Path, overwriting the previous checkpoint. If isBest, the file is then copied to BestPath:
// the copy is written to a temporary file and renamed, so the previous best checkpoint is never left
// partially written.
func (m *Manager) Save(rec *Record, isBest bool) error {
	path := m.Path()
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint file", m)
	}
	w := bufio.NewWriter(f)
	if err = rec.Write(w); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "%s: failed to write checkpoint %q", m, path)
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint %q", m, path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint %q", m, path)
	}
	if klog.V(1).Enabled() {
		if fi, err := os.Stat(path); err == nil {
			klog.Infof("Saved checkpoint of epoch %d (loss=%g) to %q: %s", rec.Epoch, rec.Loss, path,
				humanize.Bytes(uint64(fi.Size())))
		}
	}
	if !isBest {
		return nil
	}
	if err = fsutil.CopyFileAtomic(path, m.BestPath()); err != nil {
		return errors.WithMessagef(err, "%s: failed to copy best checkpoint", m)
	}
	klog.V(1).Infof("New best checkpoint with loss %g", rec.Loss)
	return nil
}

// LoadLatest loads the checkpoint at Path.
func (m *Manager) LoadLatest() (*Record, error) {
	return Load(m.Path())
}

// LoadBest loads the checkpoint at BestPath.
func (m *Manager) LoadBest() (*Record, error) {
	return Load(m.BestPath())
}

// BestTracker keeps the minimum evaluation loss seen so far.
type BestTracker struct {
	best float64
}

// NewBestTracker returns a tracker that hasn't seen any loss yet.
func NewBestTracker() *BestTracker {
	return &BestTracker{best: math.Inf(1)}
}

// Update returns whether loss is strictly lower than all losses seen so far, and records it if so.
// Ties and NaN are not improvements.
func (b *BestTracker) Update(loss float64) bool {
	if loss < b.best {
		b.best = loss
		return true
	}
	return false
}

// Best returns the lowest loss seen so far, or +Inf if none.
func (b *BestTracker) Best() float64 { return b.best }

// Reset to the given best loss, for instance when resuming from a checkpoint.
func (b *BestTracker) Reset(best float64) { b.best = best }
