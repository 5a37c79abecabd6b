// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aggtree/services/aggregation/tree"
)

func TestCounting_ChangeAlgebra(t *testing.T) {
	p := Counting{}
	var info int64

	fwd, ok := p.ApplyChange(&info, 5)
	require.True(t, ok)
	assert.Equal(t, int64(5), fwd)
	assert.Equal(t, int64(5), info)

	_, ok = p.ApplyChange(&info, 0)
	assert.False(t, ok, "zero change is absorbed")

	add, ok := p.InfoToAddChange(&info)
	require.True(t, ok)
	rem, ok := p.InfoToRemoveChange(&info)
	require.True(t, ok)
	assert.Equal(t, int64(0), add+rem)

	var empty int64
	_, ok = p.InfoToAddChange(&empty)
	assert.False(t, ok)
}

func TestCounting_RootMerge(t *testing.T) {
	p := Counting{}

	total := p.NewRootInfo(KindTotal)
	assert.Equal(t, tree.Continue, p.MergeRootInfo(&total, CountResult{Kind: KindTotal, Value: 3}))
	assert.Equal(t, tree.Continue, p.MergeRootInfo(&total, CountResult{Kind: KindTotal, Value: 4}))
	assert.Equal(t, int64(7), total.Value)

	anyHit := p.NewRootInfo(KindAny)
	assert.Equal(t, tree.Continue, p.MergeRootInfo(&anyHit, CountResult{Kind: KindAny}))
	assert.Equal(t, tree.Break, p.MergeRootInfo(&anyHit, CountResult{Kind: KindAny, Value: 1}))
	assert.Equal(t, int64(1), anyHit.Value)

	nine := int64(9)
	assert.Equal(t, CountResult{Kind: KindAny, Value: 1}, p.InfoToRootInfo(&nine, KindAny))
	assert.Equal(t, CountResult{Kind: KindTotal, Value: 9}, p.InfoToRootInfo(&nine, KindTotal))
}

func TestContribution(t *testing.T) {
	c := Contribution("t1", TaskState{
		Unfinished:   true,
		Dirty:        true,
		Collectibles: []string{"warning", "warning", "issue"},
	})
	assert.Equal(t, int64(1), c.Unfinished)
	assert.Equal(t, map[string]int{"t1": 1}, c.Dirty)
	assert.Equal(t, map[string]int{"warning": 1, "issue": 1}, c.Collectibles)

	assert.True(t, Contribution("t1", TaskState{}).IsEmpty())
}

func TestStateDelta(t *testing.T) {
	tests := []struct {
		name    string
		old     TaskState
		updated TaskState
		want    TaskChange
		changed bool
	}{
		{
			name:    "no change",
			old:     TaskState{Dirty: true},
			updated: TaskState{Dirty: true},
			changed: false,
		},
		{
			name:    "finishes",
			old:     TaskState{Unfinished: true},
			updated: TaskState{},
			want:    TaskChange{Unfinished: -1},
			changed: true,
		},
		{
			name:    "becomes dirty",
			old:     TaskState{},
			updated: TaskState{Dirty: true},
			want:    TaskChange{Dirty: map[string]int{"a": 1}},
			changed: true,
		},
		{
			name:    "swaps collectible",
			old:     TaskState{Collectibles: []string{"x"}},
			updated: TaskState{Collectibles: []string{"y"}},
			want:    TaskChange{Collectibles: map[string]int{"x": -1, "y": 1}},
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := StateDelta("a", tt.old, tt.updated)
			assert.Equal(t, tt.changed, changed)
			if tt.changed {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTaskAggregate_ForwardsOnlyVisibilityTransitions(t *testing.T) {
	p := TaskAggregate{}
	var info TaskInfo

	fwd, ok := p.ApplyChange(&info, TaskChange{Dirty: map[string]int{"a": 1}})
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": 1}, fwd.Dirty)

	// A second contributor for the same key is invisible upstream.
	_, ok = p.ApplyChange(&info, TaskChange{Dirty: map[string]int{"a": 1}})
	assert.False(t, ok)
	assert.Equal(t, 2, info.Dirty["a"])

	_, ok = p.ApplyChange(&info, TaskChange{Dirty: map[string]int{"a": -1}})
	assert.False(t, ok)

	fwd, ok = p.ApplyChange(&info, TaskChange{Dirty: map[string]int{"a": -1}})
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": -1}, fwd.Dirty)
	assert.Empty(t, info.Dirty)

	fwd, ok = p.ApplyChange(&info, TaskChange{Unfinished: 2})
	require.True(t, ok)
	assert.Equal(t, int64(2), fwd.Unfinished)
	assert.Nil(t, fwd.Dirty)
}

func TestTaskAggregate_AddRemoveAreInverse(t *testing.T) {
	p := TaskAggregate{}
	info := TaskInfo{
		Unfinished:   3,
		Dirty:        map[string]int{"a": 2, "b": 1},
		Collectibles: map[string]int{"warning": 1},
	}

	add, ok := p.InfoToAddChange(&info)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, add.Dirty)

	rem, ok := p.InfoToRemoveChange(&info)
	require.True(t, ok)
	assert.Equal(t, add.Negate(), rem)

	var upper TaskInfo
	p.ApplyChange(&upper, add)
	p.ApplyChange(&upper, rem)
	assert.True(t, EqualAggregate(TaskInfo{}, upper))

	_, ok = p.InfoToAddChange(&TaskInfo{})
	assert.False(t, ok)
}

func TestTaskAggregate_RootQueries(t *testing.T) {
	p := TaskAggregate{}
	active := TaskInfo{Active: true, Dirty: map[string]int{"x": 1}}
	idle := TaskInfo{Dirty: map[string]int{"y": 1}}

	t.Run("active short-circuits", func(t *testing.T) {
		acc := p.NewRootInfo(KindActive)
		assert.Equal(t, tree.Continue, p.MergeRootInfo(&acc, p.InfoToRootInfo(&idle, KindActive)))
		assert.Equal(t, tree.Break, p.MergeRootInfo(&acc, p.InfoToRootInfo(&active, KindActive)))
		assert.True(t, acc.Active)
	})

	t.Run("root count sums", func(t *testing.T) {
		acc := p.NewRootInfo(KindRootCount)
		p.MergeRootInfo(&acc, p.InfoToRootInfo(&idle, KindRootCount))
		p.MergeRootInfo(&acc, p.InfoToRootInfo(&active, KindRootCount))
		assert.Equal(t, int64(2), acc.Roots)
	})

	t.Run("dirty unions", func(t *testing.T) {
		acc := p.NewRootInfo(KindDirty)
		p.MergeRootInfo(&acc, p.InfoToRootInfo(&idle, KindDirty))
		p.MergeRootInfo(&acc, p.InfoToRootInfo(&active, KindDirty))
		assert.Equal(t, []string{"x", "y"}, acc.DirtyIDs())
	})
}

func TestParseTaskRootKind(t *testing.T) {
	for _, k := range []TaskRootKind{KindActive, KindRootCount, KindDirty} {
		got, err := ParseTaskRootKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseTaskRootKind("bogus")
	assert.Error(t, err)
}

func TestTaskInfo_CloneIsDeep(t *testing.T) {
	orig := TaskInfo{Dirty: map[string]int{"a": 1}}
	cp := orig.Clone()
	cp.Dirty["b"] = 1
	assert.Len(t, orig.Dirty, 1)
	assert.Equal(t, []string{"a"}, orig.DirtyIDs())
}
