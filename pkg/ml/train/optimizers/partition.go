// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/support/sets"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// AuxiliarySuffix marks the parameters of the auxiliary group: the entropy model's quantiles.
const AuxiliarySuffix = ".quantiles"

// Group of a parameter.
type Group int

const (
	// MainGroup parameters are trained by the rate-distortion loss.
	MainGroup Group = iota

	// AuxGroup parameters are trained by the auxiliary loss.
	AuxGroup
)

// String implements fmt.Stringer.
func (g Group) String() string {
	if g == AuxGroup {
		return "aux"
	}
	return "main"
}

// GroupOf returns the group of a parameter given its fully-qualified name.
func GroupOf(name string) Group {
	if strings.HasSuffix(name, AuxiliarySuffix) {
		return AuxGroup
	}
	return MainGroup
}

// Partition of a model's named parameters into the main and auxiliary groups.
type Partition struct {
	main, aux []model.NamedParameter
}

// PartitionParameters assigns each named parameter to a group by its name (see AuxiliarySuffix).
//
// It panics (with exceptions.Panicf) if the groups are not disjoint (the same parameter is registered under a
// main name and an auxiliary name) or if their union doesn't account for every distinct name (e.g. the same
// parameter is registered under more than one name). Both are programming errors in the model definition.
func PartitionParameters(named []model.NamedParameter) *Partition {
	p := &Partition{}
	mainSet, auxSet := sets.Make[*model.Parameter](), sets.Make[*model.Parameter]()
	names := sets.Make[string](len(named))
	for _, np := range named {
		names.Insert(np.Name)
		if GroupOf(np.Name) == AuxGroup {
			auxSet.Insert(np.Param)
			p.aux = append(p.aux, np)
		} else {
			mainSet.Insert(np.Param)
			p.main = append(p.main, np)
		}
	}
	if inter := mainSet.Intersect(auxSet); len(inter) != 0 {
		var shared []string
		for _, np := range named {
			if inter.Has(np.Param) {
				shared = append(shared, np.Name)
			}
		}
		exceptions.Panicf("parameter partition is not disjoint: parameters %q are in both main and auxiliary groups", shared)
	}
	if union := mainSet.Union(auxSet); len(union) != len(names) {
		exceptions.Panicf("parameter partition doesn't cover all names: %d distinct parameters for %d distinct names %q",
			len(union), len(names), xslices.SortedKeys(names))
	}
	klog.V(1).Infof("Parameters partitioned into %d main and %d auxiliary", len(p.main), len(p.aux))
	return p
}

// Named returns the named parameters of the given group, in the model's order.
func (p *Partition) Named(group Group) []model.NamedParameter {
	if group == AuxGroup {
		return p.aux
	}
	return p.main
}

// Names returns the names of the parameters of the given group.
func (p *Partition) Names(group Group) []string {
	return xslices.Map(p.Named(group), func(np model.NamedParameter) string { return np.Name })
}

// Trainable returns the distinct trainable parameters of the given group, in the model's order.
func (p *Partition) Trainable(group Group) []*model.Parameter {
	seen := sets.Make[*model.Parameter]()
	var params []*model.Parameter
	for _, np := range p.Named(group) {
		if !np.Param.Trainable || seen.Has(np.Param) {
			continue
		}
		seen.Insert(np.Param)
		params = append(params, np.Param)
	}
	return params
}

// Config of the two optimizers created by Configure.
type Config struct {
	// LearningRate of the main optimizer.
	LearningRate float64

	// AuxLearningRate of the auxiliary optimizer.
	AuxLearningRate float64
}

// Configure partitions the parameters of m and creates one Adam optimizer per group:
// main over the main group with cfg.LearningRate, and aux over the auxiliary group with cfg.AuxLearningRate.
//
// Parameters are resolved through m itself, so wrappers (like model.DataParallel) report their own names.
// It panics if the partition is invalid, see PartitionParameters.
func Configure(m model.Model, cfg Config) (main, aux Interface) {
	p := PartitionParameters(m.NamedParameters())
	main = Adam().LearningRate(cfg.LearningRate).Done(p.Trainable(MainGroup))
	aux = Adam().LearningRate(cfg.AuxLearningRate).Done(p.Trainable(AuxGroup))
	return
}
