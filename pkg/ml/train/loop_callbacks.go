// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"
)

// nTimes is used to implement NTimesDuringEpoch.
type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStart(_ *Loop, _ Dataset) error {
	nT.nUsed = 0
	return nil
}

func (nT *nTimes) onStep(loop *Loop, result *StepResult) error {
	stepsDone := loop.BatchIdx + 1
	if loop.BatchIdx < loop.NumBatches-1 { // Last step is always included.
		stepsPerCall := float64(loop.NumBatches) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, result)
}

// NTimesDuringEpoch registers a OnStep hook on the loop that is called at most N times per epoch,
// split evenly across all steps.
//
// It always calls `fn` at the last step of the epoch (if the dataset reports its NumBatches correctly).
func NTimesDuringEpoch(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{
		n:  n,
		fn: fn,
	}
	name = fmt.Sprintf("NTimesDuringEpoch(%d): %s", n, name)
	loop.OnStart(name, priority, nT.onStart)
	loop.OnStep(name, priority, nT.onStep)
}

type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, result *StepResult) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, result)
}

// EveryNSteps registers a OnStep hook on the loop that is called every N steps. Steps are counted across epochs.
//
// Notice that it does not call `fn` at the last step (except by coincidence). Values of n < 1 are taken as 1.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	n = max(n, 1)
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

type periodicCallback struct {
	last               time.Time
	period             time.Duration
	started, callOnEnd bool
	fn                 OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, result *StepResult) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	elapsed := time.Since(p.last)
	if elapsed < p.period {
		return nil
	}

	err := p.fn(loop, result)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts after the execution of `OnStep`: this discounts the time to run `OnStep` (in case it is expensive)
// and it discounts cases where the execution is paused. By other hand, OnStep is not executed exactly at every `period`
// time.
//
// If callOnEnd is set, it will also call at the end of each epoch.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{
		period:    period,
		callOnEnd: callOnEnd,
		fn:        fn,
	}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, result *StepResult) error { return p.fn(loop, result) })
	}
}
