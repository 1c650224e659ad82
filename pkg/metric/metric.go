// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are process-global and registered once, normally from package-level
// variable initializers. Values are read back with Values.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gvisor.dev/dyntick/pkg/atomicbitops"
	"gvisor.dev/dyntick/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key.
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. A no-allowed-values field
		// is almost certainly a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if strings.ContainsAny(v, "{}=,") {
				return fieldMapper{}, ErrFieldValueContainsIllegalChar
			}
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
//
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// keyToMultiField is the reverse of lookup. The returned list of field values
// corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 && key == 0 {
		return nil
	}
	depth := len(m.fields)
	fields := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fields
}

// keyName renders the fully qualified name of the value at key, e.g.
// "/nohz/kicks{scope=cpu}".
func (m fieldMapper) keyName(name string, key int) string {
	values := m.keyToMultiField(key)
	if len(values) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(m.fields[i].name)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteByte('}')
	return b.String()
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// description is the human-readable metric description. Immutable.
	description string

	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// metricSet holds registered metrics.
type metricSet struct {
	mu sync.Mutex

	uint64Metrics       map[string]*Uint64Metric
	distributionMetrics map[string]*DistributionMetric
}

// makeMetricSet returns a new metricSet.
func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics:       make(map[string]*Uint64Metric),
		distributionMetrics: make(map[string]*DistributionMetric),
	}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// checkNameLocked returns ErrNameInUse if name is taken.
//
// Preconditions: m.mu is locked.
func (m *metricSet) checkNameLocked(name string) error {
	if _, ok := m.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	if _, ok := m.distributionMetrics[name]; ok {
		return ErrNameInUse
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkNameLocked(name); err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		description: description,
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Bucketer is an interface to bucket values into finite, distinct buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets in the distribution.
	// This is only called once and never expected to return a different value.
	NumFiniteBuckets() int

	// LowerBound takes the index of a bucket (within [0, NumBuckets()]) and
	// returns the inclusive lower bound of that bucket.
	LowerBound(bucketIndex int) int64

	// BucketIndex takes a sample and returns the index of the bucket that the
	// sample should fall into. It returns NumFiniteBuckets() for the last
	// (infinite) bucket, and -1 for the implicit underflow bucket.
	BucketIndex(sample int64) int
}

// ExponentialBucketer implements Bucketer, with the first bucket starting
// with 0 as lowest bound with `Width` width, and each subsequent bucket being
// wider by a scaled exponentially-growing series, until `NumFiniteBuckets`
// buckets exist.
type ExponentialBucketer struct {
	// numFinitebuckets is the total number of finite buckets in the scheme.
	numFiniteBuckets int

	// maxSample is the max sample value which can be represented in a finite
	// bucket.
	maxSample int64

	// lowerbounds is a precomputed set of lower bounds of the buckets.
	// lowerBounds[numFiniteBuckets] is the lower bound of the overflow bucket.
	lowerBounds []int64
}

// Minimum/maximum finite buckets for exponential bucketers.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a new Bucketer with exponential buckets.
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(float64(width)*float64(i) + scale*math.Pow(growth, float64(i-1)))
		if b.lowerBounds[i] < 0 {
			panic(fmt.Sprintf("encountered bucket width overflow at bucket %d", i))
		}
	}
	b.maxSample = b.lowerBounds[numFiniteBuckets] - 1
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(bucketIndex int) int64 {
	return b.lowerBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	if sample < 0 {
		return -1
	}
	if sample > b.maxSample {
		return b.numFiniteBuckets
	}
	// The first bound strictly greater than sample ends sample's bucket.
	return sort.Search(b.numFiniteBuckets+1, func(i int) bool {
		return b.lowerBounds[i] > sample
	}) - 1
}

// Verify that ExponentialBucketer implements Bucketer.
var _ = (Bucketer)((*ExponentialBucketer)(nil))

// Minimum number of buckets for NewDurationBucketer.
const durationMinBuckets = 3

// NewDurationBucketer returns a Bucketer well-suited for measuring durations in
// nanoseconds. minDuration and maxDuration are conservative estimates of the
// minimum and maximum durations expected to be accurately measured by the
// Bucketer.
func NewDurationBucketer(numFiniteBuckets int, minDuration, maxDuration time.Duration) Bucketer {
	if numFiniteBuckets < durationMinBuckets {
		panic(fmt.Sprintf("duration bucketer must have at least %d buckets, got %d", durationMinBuckets, numFiniteBuckets))
	}
	minNs := minDuration.Nanoseconds()
	exponentCoversNs := float64(maxDuration.Nanoseconds()-int64(numFiniteBuckets-durationMinBuckets)*minNs) / float64(minNs)
	exponent := math.Log(exponentCoversNs) / math.Log(float64(numFiniteBuckets-durationMinBuckets))
	minNs = int64(float64(minNs) / exponent)
	return NewExponentialBucketer(numFiniteBuckets, uint64(minNs), float64(minNs), exponent)
}

// DistributionMetric represents a distribution of values in finite buckets.
type DistributionMetric struct {
	// description is the human-readable metric description. Immutable.
	description string

	// bucketer is the bucketing scheme used for this metric.
	bucketer Bucketer

	// fieldsToKey converts a multi-dimensional fields to a single string to use
	// as key for `samples`.
	fieldsToKey fieldMapper

	// samples is the number of samples that fell within each bucket, indexed
	// by field key. The 0-th value is the underflow bucket, the i-th value is
	// the bucketer's (i-1)-th finite bucket, and the last value is the
	// infinite bucket.
	samples [][]atomicbitops.Uint64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) (*DistributionMetric, error) {
	fieldsToKey, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkNameLocked(name); err != nil {
		return nil, err
	}
	samples := make([][]atomicbitops.Uint64, fieldsToKey.numKeys())
	for i := range samples {
		samples[i] = make([]atomicbitops.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	d := &DistributionMetric{
		description: description,
		bucketer:    bucketer,
		fieldsToKey: fieldsToKey,
		samples:     samples,
	}
	allMetrics.distributionMetrics[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
// This *must* be called with the correct number of fields, or it will panic.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	bucket := d.bucketer.BucketIndex(sample)
	d.samples[d.fieldsToKey.lookup(fields...)][bucket+1].Add(1)
}

// Bucket is one bucket of a distribution snapshot.
type Bucket struct {
	// LowerBound is the inclusive lower bound of the bucket, or math.MinInt64
	// for the underflow bucket.
	LowerBound int64 `json:"lower_bound" yaml:"lower_bound"`

	// Count is the number of samples in the bucket.
	Count uint64 `json:"count" yaml:"count"`
}

// Snapshot is a copy of the values of all registered metrics, keyed by fully
// qualified name (see fieldMapper.keyName).
type Snapshot struct {
	Uint64 map[string]uint64 `json:"uint64" yaml:"uint64"`

	// Distributions omits field combinations without samples and empty
	// buckets.
	Distributions map[string][]Bucket `json:"distributions,omitempty" yaml:"distributions,omitempty"`
}

// Values returns a snapshot of all registered metrics.
func Values() Snapshot {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()

	s := Snapshot{
		Uint64:        make(map[string]uint64),
		Distributions: make(map[string][]Bucket),
	}
	for name, m := range allMetrics.uint64Metrics {
		for key := range m.fields {
			s.Uint64[m.fieldMapper.keyName(name, key)] = m.fields[key].Load()
		}
	}
	for name, d := range allMetrics.distributionMetrics {
		for key, samples := range d.samples {
			var buckets []Bucket
			for i := range samples {
				c := samples[i].Load()
				if c == 0 {
					continue
				}
				lower := int64(math.MinInt64)
				if i > 0 {
					lower = d.bucketer.LowerBound(i - 1)
				}
				buckets = append(buckets, Bucket{LowerBound: lower, Count: c})
			}
			if len(buckets) > 0 {
				s.Distributions[d.fieldsToKey.keyName(name, key)] = buckets
			}
		}
	}
	return s
}

// Delta returns the per-value difference between s and an earlier snapshot.
// Values absent from earlier are reported in full.
func (s Snapshot) Delta(earlier Snapshot) map[string]uint64 {
	d := make(map[string]uint64, len(s.Uint64))
	for k, v := range s.Uint64 {
		d[k] = v - earlier.Uint64[k]
	}
	return d
}
