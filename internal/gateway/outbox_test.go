package gateway

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type sentList struct {
	key     string
	typists []string
}

func TestTypistsOutbox_PushDoesNotWaitForSlowWrites(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	var mu sync.Mutex
	var sent []sentList

	o := newTypistsOutbox(func(key string, typists []string) {
		started <- struct{}{}
		<-release
		mu.Lock()
		sent = append(sent, sentList{key, typists})
		mu.Unlock()
	})
	defer o.close()

	o.push("group:a", []string{"amy"})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first list was never written")
	}

	done := make(chan struct{})
	go func() {
		o.push("group:a", []string{"amy", "ben"})
		o.push("group:b", []string{"cat"})
		o.push("group:a", []string{"ben"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("push blocked behind a stalled write")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("wrote %d lists, want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := []sentList{
		{"group:a", []string{"amy"}},
		{"group:a", []string{"ben"}},
		{"group:b", []string{"cat"}},
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(sent, want) {
		t.Errorf("sent %v, want %v", sent, want)
	}
}

func TestTypistsOutbox_CopiesAndClose(t *testing.T) {
	got := make(chan []string, 4)
	o := newTypistsOutbox(func(_ string, typists []string) { got <- typists })

	list := []string{"amy"}
	o.push("group:a", list)
	list[0] = "mutated"
	select {
	case typists := <-got:
		if !reflect.DeepEqual(typists, []string{"amy"}) {
			t.Errorf("typists = %v, want [amy]", typists)
		}
	case <-time.After(time.Second):
		t.Fatal("list was never written")
	}

	o.close()
	o.close()
	select {
	case <-o.idle:
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine still running after close")
	}
	o.push("group:a", []string{"ben"})
	select {
	case typists := <-got:
		t.Errorf("wrote %v after close", typists)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTypistsOutbox_Forget(t *testing.T) {
	release := make(chan struct{})
	got := make(chan string, 4)
	o := newTypistsOutbox(func(key string, _ []string) {
		got <- key
		<-release
	})
	defer o.close()

	o.push("group:a", nil)
	if key := <-got; key != "group:a" {
		t.Fatalf("first write for %q", key)
	}
	o.push("group:b", []string{"amy"})
	o.push("group:c", []string{"ben"})
	o.forget("group:b")
	close(release)

	select {
	case key := <-got:
		if key != "group:c" {
			t.Errorf("wrote %q, want group:c", key)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining list was never written")
	}
}
