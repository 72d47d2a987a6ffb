// Package segment 保存一次对账运行内各数据源归一化后的 Segment。
//
// 索引为 (instrument, timeframe, provenance) → 按时间排序且互不重叠的 Segment 列表。
// 同一来源的重叠必须逐点一致才会被合并，否则返回 OverlapConflict；
// 不同来源之间不做任何裁决。
package segment

import (
	"fmt"
	"sort"
	"sync"

	"fxcanon/internal/market"
)

const defaultShardCount = 32

// Exhaustion 记录数据源在两个方向上的硬边界（0 表示未知）。
type Exhaustion struct {
	Earliest int64 `json:"earliest,omitempty"`
	Latest   int64 `json:"latest,omitempty"`
}

type Store struct {
	shards []shard
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*series
}

// series 对应 instrument@timeframe，按 provenance 拆分成独立加锁的 stream。
type series struct {
	mu     sync.RWMutex
	byProv map[market.Provenance]*stream
}

type stream struct {
	mu         sync.RWMutex
	segments   []market.Segment
	exhaustion Exhaustion
}

func NewStore() *Store {
	return newStore(defaultShardCount)
}

func newStore(shards int) *Store {
	if shards <= 0 {
		shards = 1
	}
	s := &Store{shards: make([]shard, shards)}
	for i := range s.shards {
		s.shards[i] = shard{data: make(map[string]*series)}
	}
	return s
}

func seriesKey(instrument, timeframe string) string { return instrument + "@" + timeframe }

func (s *Store) shardFor(key string) *shard {
	return &s.shards[hashKey(key)%uint32(len(s.shards))]
}

func (s *Store) lookup(instrument, timeframe string) *series {
	k := seriesKey(instrument, timeframe)
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.data[k]
}

func (s *Store) stream(key market.Key) *stream {
	k := seriesKey(key.Instrument, key.Timeframe)
	sh := s.shardFor(k)
	sh.mu.Lock()
	sr, ok := sh.data[k]
	if !ok {
		sr = &series{byProv: make(map[market.Provenance]*stream)}
		sh.data[k] = sr
	}
	sh.mu.Unlock()

	sr.mu.Lock()
	defer sr.mu.Unlock()
	st, ok := sr.byProv[key.Provenance]
	if !ok {
		st = &stream{}
		sr.byProv[key.Provenance] = st
	}
	return st
}

// Insert 写入一个 Segment。与同来源已有 Segment 重叠时逐点比较：
// 完全一致则合并（相邻的也会合并），否则返回 OverlapConflict 且不做任何修改。
func (s *Store) Insert(seg market.Segment) error {
	if seg.Instrument == "" || seg.Timeframe == "" || seg.Provenance == "" {
		return fmt.Errorf("segment 缺少 instrument/timeframe/provenance")
	}
	if err := seg.Validate(); err != nil {
		return &market.Error{Kind: market.ErrMalformedRecord, Op: "store.insert", Instrument: seg.Instrument,
			Timeframe: seg.Timeframe, Provenance: seg.Provenance, Source: seg.Source, Range: seg.Range(), Err: err}
	}
	if seg.Empty() {
		return nil
	}
	tf, err := market.ParseTimeframe(seg.Timeframe)
	if err != nil {
		return err
	}
	st := s.stream(seg.Key())
	st.mu.Lock()
	defer st.mu.Unlock()

	merged := seg
	keep := make([]market.Segment, 0, len(st.segments)+1)
	for _, cur := range st.segments {
		if cur.End < seg.Start || cur.Start > seg.End {
			keep = append(keep, cur)
			continue
		}
		if overlap := cur.Range().Intersect(seg.Range()); !overlap.Empty() {
			if ts, ok := firstDifference(tf, cur, seg, overlap); !ok {
				return &market.Error{Kind: market.ErrOverlapConflict, Op: "store.insert", Instrument: seg.Instrument,
					Timeframe: seg.Timeframe, Provenance: seg.Provenance, Source: seg.Source, Range: overlap,
					Err: fmt.Errorf("与已有 segment %s 在 %d 处不一致", cur.Range(), ts)}
			}
		}
		m, err := mergePair(merged, cur)
		if err != nil {
			return err
		}
		merged = m
	}
	keep = append(keep, merged)
	sort.Slice(keep, func(i, j int) bool { return keep[i].Start < keep[j].Start })
	st.segments = keep
	return nil
}

// firstDifference 在 overlap 内逐网格点比较两个 Segment；ok=false 时返回首个不一致的时间戳。
func firstDifference(tf market.Timeframe, a, b market.Segment, overlap market.Range) (int64, bool) {
	for _, ts := range tf.Grid(overlap) {
		ca, okA := a.At(ts)
		cb, okB := b.At(ts)
		if okA != okB {
			return ts, false
		}
		if okA && !ca.Equal(cb) {
			return ts, false
		}
	}
	return 0, true
}

func mergePair(a, b market.Segment) (market.Segment, error) {
	r := market.Range{Start: min(a.Start, b.Start), End: max(a.End, b.End)}
	candles := make([]market.Candle, 0, len(a.Candles)+len(b.Candles))
	candles = append(candles, a.Candles...)
	candles = append(candles, b.Candles...)
	src := b.Source
	if src == "" {
		src = a.Source
	}
	return market.NewSegment(a.Key(), src, r, candles)
}

// Query 返回与 r 相交的全部 Segment（任意来源），已裁剪到 r 内。
func (s *Store) Query(instrument, timeframe string, r market.Range) []market.Segment {
	sr := s.lookup(instrument, timeframe)
	if sr == nil {
		return nil
	}
	sr.mu.RLock()
	provs := make([]market.Provenance, 0, len(sr.byProv))
	streams := make(map[market.Provenance]*stream, len(sr.byProv))
	for p, st := range sr.byProv {
		provs = append(provs, p)
		streams[p] = st
	}
	sr.mu.RUnlock()
	sort.Slice(provs, func(i, j int) bool { return provs[i] < provs[j] })

	var out []market.Segment
	for _, p := range provs {
		st := streams[p]
		st.mu.RLock()
		for _, seg := range st.segments {
			if seg.Range().Overlaps(r) {
				out = append(out, seg.Clip(r))
			}
		}
		st.mu.RUnlock()
	}
	return out
}

// RecordExhausted 记录数据源的保留边界；同方向多次记录时取更保守的值。
func (s *Store) RecordExhausted(key market.Key, ex Exhaustion) {
	st := s.stream(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if ex.Earliest != 0 && ex.Earliest > st.exhaustion.Earliest {
		st.exhaustion.Earliest = ex.Earliest
	}
	if ex.Latest != 0 && (st.exhaustion.Latest == 0 || ex.Latest < st.exhaustion.Latest) {
		st.exhaustion.Latest = ex.Latest
	}
}

func (s *Store) Exhaustion(key market.Key) Exhaustion {
	sr := s.lookup(key.Instrument, key.Timeframe)
	if sr == nil {
		return Exhaustion{}
	}
	sr.mu.RLock()
	st := sr.byProv[key.Provenance]
	sr.mu.RUnlock()
	if st == nil {
		return Exhaustion{}
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.exhaustion
}

// Snapshot 是某个 instrument@timeframe 在某一时刻的只读视图。
type Snapshot struct {
	Instrument string
	Timeframe  string
	Segments   map[market.Provenance][]market.Segment
	Exhausted  map[market.Provenance]Exhaustion
}

// Provenances 返回快照中出现的来源（排序后）。
func (s Snapshot) Provenances() []market.Provenance {
	out := make([]market.Provenance, 0, len(s.Segments))
	for p := range s.Segments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot 复制当前索引；Segment 入库后不可变，因此只复制切片头。
func (s *Store) Snapshot(instrument, timeframe string) Snapshot {
	snap := Snapshot{
		Instrument: instrument,
		Timeframe:  timeframe,
		Segments:   make(map[market.Provenance][]market.Segment),
		Exhausted:  make(map[market.Provenance]Exhaustion),
	}
	sr := s.lookup(instrument, timeframe)
	if sr == nil {
		return snap
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	for p, st := range sr.byProv {
		st.mu.RLock()
		if len(st.segments) > 0 {
			snap.Segments[p] = append([]market.Segment(nil), st.segments...)
		}
		if st.exhaustion != (Exhaustion{}) {
			snap.Exhausted[p] = st.exhaustion
		}
		st.mu.RUnlock()
	}
	return snap
}

// Keys 返回全部已写入的 (instrument, timeframe, provenance)。
func (s *Store) Keys() []market.Key {
	var out []market.Key
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sr := range sh.data {
			sr.mu.RLock()
			for p, st := range sr.byProv {
				st.mu.RLock()
				if len(st.segments) > 0 {
					first := st.segments[0]
					out = append(out, market.Key{Instrument: first.Instrument, Timeframe: first.Timeframe, Provenance: p})
				}
				st.mu.RUnlock()
			}
			sr.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
