package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestIndicator() (*GPIOIndicator, *[]string, *sync.Mutex) {
	ind := NewGPIOIndicator("gpiochip0", 17, testLogger())
	var mu sync.Mutex
	var calls []string
	ind.run = func(args ...string) error {
		mu.Lock()
		calls = append(calls, args[len(args)-1])
		mu.Unlock()
		return nil
	}
	return ind, &calls, &mu
}

func TestBlinkTogglesAndEndsOff(t *testing.T) {
	ind, calls, mu := newTestIndicator()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ind.Blink(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Blink did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*calls) < 2 {
		t.Fatalf("expected several line writes, got %d", len(*calls))
	}
	if last := (*calls)[len(*calls)-1]; last != "17=0" {
		t.Errorf("final line write = %q, want off (17=0)", last)
	}
}

func TestBlinkEndsOffEvenWhenWritesFail(t *testing.T) {
	ind := NewGPIOIndicator("gpiochip0", 17, testLogger())
	var mu sync.Mutex
	var calls []string
	ind.run = func(args ...string) error {
		mu.Lock()
		calls = append(calls, args[len(args)-1])
		mu.Unlock()
		return errors.New("gpioset: line busy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ind.Blink(ctx, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 || calls[len(calls)-1] != "17=0" {
		t.Errorf("expected a final off write even on failure, got %v", calls)
	}
}

func TestIndicatorOnOff(t *testing.T) {
	ind, calls, mu := newTestIndicator()

	if err := ind.On(); err != nil {
		t.Fatal(err)
	}
	if err := ind.Off(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*calls) != 2 || (*calls)[0] != "17=1" || (*calls)[1] != "17=0" {
		t.Errorf("unexpected writes: %v", *calls)
	}
}

func TestNoopIndicatorBlinkReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		noopIndicator{}.Blink(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("noop Blink did not return after cancellation")
	}
}
