package processing

import (
	"fmt"
	"sync"
)

// The processor is the only writer. Readers only ever get deep copies through Snapshot, so a
// render consumer can hold onto one for as long as it likes while recording continues.

// ChannelSeries is one channel's window, oldest pair first.
type ChannelSeries struct {
	Name   string
	Times  []float64
	Values []float64
}

// Snapshot is an immutable copy of every channel window.
type Snapshot struct {
	// Seq is the number of samples recorded when the snapshot was taken.
	Seq      uint64
	Channels []ChannelSeries
}

// Len is the number of points per channel.
func (s Snapshot) Len() int {
	if len(s.Channels) == 0 {
		return 0
	}
	return len(s.Channels[0].Times)
}

type DataSampleStore struct {
	names   []string
	buffers []*RingBuffer
	seq     uint64
	mutex   sync.Mutex
}

// NewDataSampleStore creates one ring buffer of maxSize pairs per channel name.
func NewDataSampleStore(names []string, maxSize int) *DataSampleStore {
	buffers := make([]*RingBuffer, len(names))
	for i := range buffers {
		buffers[i] = NewRingBuffer(maxSize)
	}

	namesCopy := make([]string, len(names))
	copy(namesCopy, names)

	return &DataSampleStore{
		names:   namesCopy,
		buffers: buffers,
	}
}

func (d *DataSampleStore) NumChannels() int {
	return len(d.buffers)
}

// Record appends one value per channel, all paired with timestamp. Either every buffer
// takes the sample or none does, so the buffers always stay the same length.
func (d *DataSampleStore) Record(values []float64, timestamp float64) error {
	if len(values) != len(d.buffers) {
		return fmt.Errorf("[processor] sample has %d values, store has %d channels", len(values), len(d.buffers))
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i, buffer := range d.buffers {
		buffer.Push(timestamp, values[i])
	}
	d.seq++

	return nil
}

// Len is the current window length shared by all channels.
func (d *DataSampleStore) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.buffers) == 0 {
		return 0
	}
	return d.buffers[0].Len()
}

func (d *DataSampleStore) Snapshot() Snapshot {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	snapshot := Snapshot{
		Seq:      d.seq,
		Channels: make([]ChannelSeries, len(d.buffers)),
	}
	for i, buffer := range d.buffers {
		series := ChannelSeries{
			Name:   d.names[i],
			Times:  make([]float64, buffer.Len()),
			Values: make([]float64, buffer.Len()),
		}
		buffer.CopyTo(series.Times, series.Values)
		snapshot.Channels[i] = series
	}

	return snapshot
}
