package cachemon

const (
	ringMinutes         = 60
	rawRetentionMinutes = 75
)

type ringBucket struct {
	minute  int64
	denom   int64
	read    int64
	create  int64
	success int64
}

// minuteRing keeps per-minute sums for the trailing hour in 60 fixed
// slots addressed by minute modulo 60. Each slot carries the absolute
// minute it was last written for; writing a different minute resets the
// slot first, so eviction is a single tag compare instead of a sweep.
type minuteRing struct {
	slots [ringMinutes]ringBucket
}

func (r *minuteRing) add(s Sample) {
	slot := &r.slots[s.Minute%ringMinutes]
	if slot.minute != s.Minute {
		*slot = ringBucket{minute: s.Minute}
	}
	slot.denom += s.Denom
	slot.read += s.Read
	slot.create += s.Create
	slot.success += s.Success
}

// sumRange sums every slot whose stored minute lies in [from, to]. Slots
// left over from an earlier hour carry minutes outside any window the
// evaluator asks about, so the stored-minute check keeps them out.
func (r *minuteRing) sumRange(from, to int64) windowStats {
	var w windowStats
	for i := range r.slots {
		slot := &r.slots[i]
		if slot.minute < from || slot.minute > to {
			continue
		}
		w.Denom += slot.denom
		w.Read += slot.read
		w.Create += slot.create
		w.Success += slot.success
	}
	return w
}

// rawLog keeps the individual samples of one group for the trailing 75
// minutes. It exists only so the evaluator can re-derive window sums from
// first principles and compare them against the ring.
type rawLog struct {
	samples []Sample
}

func (l *rawLog) append(s Sample) {
	l.samples = append(l.samples, s)
}

func (l *rawLog) prune(nowMinute int64) {
	if len(l.samples) == 0 {
		return
	}
	kept := l.samples[:0]
	for _, s := range l.samples {
		if nowMinute-s.Minute >= rawRetentionMinutes {
			continue
		}
		kept = append(kept, s)
	}
	l.samples = kept
}

func (l *rawLog) sumRange(from, to int64) windowStats {
	var w windowStats
	for _, s := range l.samples {
		if s.Minute < from || s.Minute > to {
			continue
		}
		w = w.add(s)
	}
	return w
}
