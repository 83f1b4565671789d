package hooks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordFunc func(log *[]string)

func recorder(name string) Middleware[recordFunc] {
	return func(next recordFunc) recordFunc {
		return func(log *[]string) {
			next(log)
			*log = append(*log, name)
		}
	}
}

func newRecordPoint() *Point[recordFunc] {
	return NewPoint[recordFunc]("test", func(log *[]string) {
		*log = append(*log, "base")
	})
}

func run(p *Point[recordFunc]) []string {
	var log []string
	p.Func()(&log)
	return log
}

func TestPoint_BaseOnly(t *testing.T) {
	p := newRecordPoint()

	assert.Equal(t, "test", p.Name())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, []string{"base"}, run(p))
}

func TestPoint_ChainOrder(t *testing.T) {
	p := newRecordPoint()

	p.Install(recorder("first"))
	p.Install(recorder("second"))

	// Each layer runs the older chain before its own logic.
	assert.Equal(t, []string{"base", "first", "second"}, run(p))
	assert.Equal(t, 2, p.Len())
}

func TestPoint_LayerMayRunBeforeNext(t *testing.T) {
	p := newRecordPoint()

	p.Install(func(next recordFunc) recordFunc {
		return func(log *[]string) {
			*log = append(*log, "pre")
			next(log)
		}
	})

	assert.Equal(t, []string{"pre", "base"}, run(p))
}

func TestPoint_LayerMayShortCircuit(t *testing.T) {
	p := newRecordPoint()

	p.Install(func(next recordFunc) recordFunc {
		return func(log *[]string) {
			*log = append(*log, "replaced")
		}
	})

	assert.Equal(t, []string{"replaced"}, run(p))
}

func TestPoint_RestoreToSaved(t *testing.T) {
	p := newRecordPoint()

	p.Install(recorder("other-extension"))
	saved := p.Install(recorder("ours"))
	require.Equal(t, 1, saved.Len())

	assert.Equal(t, []string{"base", "other-extension", "ours"}, run(p))

	p.Restore(saved)
	assert.Equal(t, []string{"base", "other-extension"}, run(p))
	assert.Equal(t, 1, p.Len())
}

func TestPoint_RestoreDropsLaterLayers(t *testing.T) {
	p := newRecordPoint()

	saved := p.Install(recorder("ours"))
	p.Install(recorder("later"))

	p.Restore(saved)
	assert.Equal(t, []string{"base"}, run(p))
}

func TestPoint_SavedIsIsolatedFromLaterInstalls(t *testing.T) {
	p := newRecordPoint()

	p.Install(recorder("a"))
	saved := p.Install(recorder("b"))
	p.Install(recorder("c"))
	p.Restore(saved)
	p.Install(recorder("d"))

	// Restoring again must still yield exactly the chain captured earlier.
	p.Restore(saved)
	assert.Equal(t, []string{"base", "a"}, run(p))
}

func TestPoint_ConcurrentInvokeAndInstall(t *testing.T) {
	p := NewPoint[func() int]("counter", func() int { return 0 })

	inc := func(next func() int) func() int {
		return func() int { return next() + 1 }
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			saved := p.Install(inc)
			p.Restore(saved)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			v := p.Func()()
			if v < 0 || v > 1 {
				t.Errorf("unexpected chain depth %d", v)
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, 0, p.Func()())
}
