package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunLoop(t *testing.T) {
	t.Run("signal", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		signal := make(chan struct{}, 1)
		signal <- struct{}{}

		output := make(chan struct{})
		go RunLoop(ctx, signal, func() time.Duration { return time.Hour }, func() {
			output <- struct{}{}
		})

		<-output
	})

	t.Run("wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		output := make(chan struct{})
		go RunLoop(ctx, nil, func() time.Duration { return time.Millisecond }, func() {
			output <- struct{}{}
		})

		<-output
		<-output
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			RunLoop(ctx, nil, func() time.Duration { return time.Hour }, func() {})
			close(done)
		}()

		cancel()
		<-done
	})

	t.Run("running call is not interrupted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		finished := make(chan struct{})
		done := make(chan struct{})
		signal := make(chan struct{}, 1)
		signal <- struct{}{}
		go func() {
			RunLoop(ctx, signal, func() time.Duration { return time.Hour }, func() {
				close(started)
				time.Sleep(time.Millisecond * 20)
				close(finished)
				cancel()
			})
			close(done)
		}()

		<-started
		<-done
		select {
		case <-finished:
		default:
			t.Fatal("loop returned before the running call finished")
		}
	})
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second * 100)
		assert.GreaterOrEqual(t, d, time.Second*95)
		assert.LessOrEqual(t, d, time.Second*105)
	}
	assert.Equal(t, time.Duration(10), Jitter(10))
}
