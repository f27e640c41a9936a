package multiplex

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits the rate a connection reads and writes at, and counts the bytes that went through it.
// rx is what is read from the connection, tx is what is written to it.
type Valve struct {
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	// atomic
	rx int64
	// atomic
	tx int64
}

const unlimitedRate = 1<<63 - 1

// MakeValve makes a Valve. A rate of 0 or less means no limit.
func MakeValve(rxRate, txRate int64) *Valve {
	v := &Valve{}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

func MakeUnlimitedValve() *Valve { return MakeValve(0, 0) }

func bucketOf(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		rate = unlimitedRate
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(bucketOf(rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(bucketOf(rate)) }
func (v *Valve) rxWait(n int)         { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int)         { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(&v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(&v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(&v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(&v.tx) }
