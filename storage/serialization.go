// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/stagehand/core"
)

// Record format versions. A leading version byte lets the layout evolve
// without breaking stores written by older builds.
const (
	workItemVersion    = 1
	asyncJobVersion    = 1
	breakerVersion     = 1
	batchJobVersion    = 1
	stageOutputVersion = 1
	manifestVersion    = 1
)

// encoder appends mus-encoded fields to a buffer.
type encoder struct {
	bs []byte
}

func (e *encoder) grow(n int) []byte {
	off := len(e.bs)
	e.bs = append(e.bs, make([]byte, n)...)
	return e.bs[off:]
}

func (e *encoder) str(v string) {
	ord.String.Marshal(v, e.grow(ord.String.Size(v)))
}

func (e *encoder) int(v int) {
	varint.Int.Marshal(v, e.grow(varint.Int.Size(v)))
}

func (e *encoder) int64(v int64) {
	varint.Int64.Marshal(v, e.grow(varint.Int64.Size(v)))
}

func (e *encoder) bool(v bool) {
	ord.Bool.Marshal(v, e.grow(ord.Bool.Size(v)))
}

// time is stored as Unix microseconds; zero times stay zero.
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.int64(0)
		return
	}
	e.int64(t.UnixMicro())
}

func (e *encoder) duration(d time.Duration) {
	e.int64(int64(d))
}

func (e *encoder) strings(vs []string) {
	e.int(len(vs))
	for _, v := range vs {
		e.str(v)
	}
}

// intMap is written in sorted key order so equal maps encode identically.
func (e *encoder) intMap(m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	e.int(len(keys))
	for _, k := range keys {
		e.str(k)
		e.int(m[k])
	}
}

// decoder reads mus-encoded fields, remembering the first error.
type decoder struct {
	bs  []byte
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return ""
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) int() int {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.bs)
	if err != nil {
		d.fail(err)
		return false
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) time() time.Time {
	us := d.int64()
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func (d *decoder) duration() time.Duration {
	return time.Duration(d.int64())
}

func (d *decoder) count() int {
	n := d.int()
	if n < 0 || n > len(d.bs) {
		d.fail(ErrTruncatedData)
		return 0
	}
	return n
}

func (d *decoder) strings() []string {
	n := d.count()
	if n == 0 {
		return nil
	}
	vs := make([]string, 0, n)
	for range n {
		vs = append(vs, d.str())
	}
	return vs
}

func (d *decoder) intMap() map[string]int {
	n := d.count()
	m := make(map[string]int, n)
	for range n {
		k := d.str()
		m[k] = d.int()
	}
	return m
}

func (d *decoder) version(want int) {
	if d.err != nil {
		return
	}
	if len(d.bs) == 0 {
		d.fail(ErrTruncatedData)
		return
	}
	if got := int(d.bs[0]); got != want {
		d.fail(fmt.Errorf("unsupported record version %d", got))
		return
	}
	d.bs = d.bs[1:]
}

func newEncoder(version int) *encoder {
	return &encoder{bs: []byte{byte(version)}}
}

// MarshalWorkItem serializes a WorkItem to bytes.
func MarshalWorkItem(item *core.WorkItem) []byte {
	e := newEncoder(workItemVersion)
	e.str(item.ID)
	e.str(item.Type)
	e.strings(item.Stages)
	e.int(item.Current)
	e.intMap(item.Attempts)
	e.intMap(item.Downshift)
	e.str(string(item.Status))
	e.int(int(item.Priority))
	e.str(item.BatchID)
	e.str(item.InputKey)
	e.str(item.LastError)
	e.str(string(item.LastErrorCategory))
	e.time(item.CreatedAt)
	e.time(item.UpdatedAt)
	return e.bs
}

// UnmarshalWorkItem deserializes a WorkItem from bytes.
func UnmarshalWorkItem(data []byte) (*core.WorkItem, error) {
	d := &decoder{bs: data}
	d.version(workItemVersion)
	item := &core.WorkItem{
		ID:                d.str(),
		Type:              d.str(),
		Stages:            d.strings(),
		Current:           d.int(),
		Attempts:          d.intMap(),
		Downshift:         d.intMap(),
		Status:            core.ItemStatus(d.str()),
		Priority:          core.Priority(d.int()),
		BatchID:           d.str(),
		InputKey:          d.str(),
		LastError:         d.str(),
		LastErrorCategory: core.Category(d.str()),
		CreatedAt:         d.time(),
		UpdatedAt:         d.time(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return item, nil
}

// MarshalAsyncJob serializes an AsyncJob to bytes.
func MarshalAsyncJob(job *core.AsyncJob) []byte {
	e := newEncoder(asyncJobVersion)
	e.str(job.Handle)
	e.str(job.ItemID)
	e.str(job.Stage)
	e.str(job.Fingerprint)
	e.str(string(job.State))
	e.time(job.SubmittedAt)
	e.time(job.LastPolledAt)
	e.duration(job.PollBackoff)
	e.int(job.Polls)
	e.str(job.Error)
	return e.bs
}

// UnmarshalAsyncJob deserializes an AsyncJob from bytes.
func UnmarshalAsyncJob(data []byte) (*core.AsyncJob, error) {
	d := &decoder{bs: data}
	d.version(asyncJobVersion)
	job := &core.AsyncJob{
		Handle:       d.str(),
		ItemID:       d.str(),
		Stage:        d.str(),
		Fingerprint:  d.str(),
		State:        core.JobState(d.str()),
		SubmittedAt:  d.time(),
		LastPolledAt: d.time(),
		PollBackoff:  d.duration(),
		Polls:        d.int(),
		Error:        d.str(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return job, nil
}

// MarshalBreakerRecord serializes a BreakerRecord to bytes.
func MarshalBreakerRecord(rec *core.BreakerRecord) []byte {
	e := newEncoder(breakerVersion)
	e.int(rec.ConsecutiveFailures)
	e.time(rec.OpenedAt)
	e.duration(rec.Cooldown)
	e.time(rec.TrialUntil)
	return e.bs
}

// UnmarshalBreakerRecord deserializes a BreakerRecord from bytes.
func UnmarshalBreakerRecord(data []byte) (*core.BreakerRecord, error) {
	d := &decoder{bs: data}
	d.version(breakerVersion)
	rec := &core.BreakerRecord{
		ConsecutiveFailures: d.int(),
		OpenedAt:            d.time(),
		Cooldown:            d.duration(),
		TrialUntil:          d.time(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return rec, nil
}

// MarshalBatchJob serializes a BatchJob to bytes. Counts are derived on read
// and not stored.
func MarshalBatchJob(batch *core.BatchJob) []byte {
	e := newEncoder(batchJobVersion)
	e.str(batch.ID)
	e.int(int(batch.Priority))
	e.strings(batch.ItemIDs)
	e.time(batch.CreatedAt)
	e.time(batch.CompletedAt)
	return e.bs
}

// UnmarshalBatchJob deserializes a BatchJob from bytes.
func UnmarshalBatchJob(data []byte) (*core.BatchJob, error) {
	d := &decoder{bs: data}
	d.version(batchJobVersion)
	batch := &core.BatchJob{
		ID:          d.str(),
		Priority:    core.Priority(d.int()),
		ItemIDs:     d.strings(),
		CreatedAt:   d.time(),
		CompletedAt: d.time(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return batch, nil
}

// MarshalStageOutput serializes a cached StageOutput to bytes.
func MarshalStageOutput(out *core.StageOutput) []byte {
	e := newEncoder(stageOutputVersion)
	e.str(out.ItemID)
	e.str(out.Stage)
	e.str(out.CacheKey)
	e.str(out.PayloadKey)
	e.time(out.CompletedAt)
	return e.bs
}

// UnmarshalStageOutput deserializes a StageOutput from bytes.
func UnmarshalStageOutput(data []byte) (*core.StageOutput, error) {
	d := &decoder{bs: data}
	d.version(stageOutputVersion)
	out := &core.StageOutput{
		ItemID:      d.str(),
		Stage:       d.str(),
		CacheKey:    d.str(),
		PayloadKey:  d.str(),
		CompletedAt: d.time(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

// MarshalManifest serializes a payload Manifest to bytes.
func MarshalManifest(m *Manifest) []byte {
	e := newEncoder(manifestVersion)
	e.int(m.Chunks)
	e.int64(m.Size)
	e.int(m.ChunkSize)
	e.str(m.Digest)
	e.bool(m.Complete)
	return e.bs
}

// UnmarshalManifest deserializes a payload Manifest from bytes.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	d := &decoder{bs: data}
	d.version(manifestVersion)
	m := &Manifest{
		Chunks:    d.int(),
		Size:      d.int64(),
		ChunkSize: d.int(),
		Digest:    d.str(),
		Complete:  d.bool(),
	}
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// MarshalInt64 encodes a counter value.
func MarshalInt64(v int64) []byte {
	e := &encoder{}
	e.int64(v)
	return e.bs
}

// UnmarshalInt64 decodes a counter value.
func UnmarshalInt64(data []byte) (int64, error) {
	d := &decoder{bs: data}
	v := d.int64()
	return v, d.err
}
