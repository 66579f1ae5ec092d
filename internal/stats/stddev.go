// Package stats keeps running size statistics without storing samples.
package stats

import "math"

// StdDev accumulates count, sum and sum of squares so values can be added
// and removed in O(1).
type StdDev struct {
	Sum   int64
	SumSq int64
	Count uint64
}

func (s *StdDev) Add(v int64) {
	s.Count++
	s.Sum += v
	s.SumSq += v * v
}

func (s *StdDev) Remove(v int64) {
	s.Count--
	s.Sum -= v
	s.SumSq -= v * v
}

func (s *StdDev) Modify(old, v int64) {
	s.Remove(old)
	s.Add(v)
}

// Get returns the sample count, mean and population standard deviation.
func (s StdDev) Get() (count uint64, avg, dev float64) {
	if s.Count == 0 {
		return 0, 0, 0
	}
	avg = float64(s.Sum) / float64(s.Count)
	variance := float64(s.SumSq)/float64(s.Count) - avg*avg
	if variance > 0 {
		dev = math.Sqrt(variance)
	}
	return s.Count, avg, dev
}

func Merge(a, b StdDev) StdDev {
	return StdDev{Sum: a.Sum + b.Sum, SumSq: a.SumSq + b.SumSq, Count: a.Count + b.Count}
}

func Split(a, b StdDev) StdDev {
	return StdDev{Sum: a.Sum - b.Sum, SumSq: a.SumSq - b.SumSq, Count: a.Count - b.Count}
}
