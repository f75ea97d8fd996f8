package clist

import "testing"

func TestPushPopRoundTrip(t *testing.T) {
	p := NewPool(4, 2)

	n, err := p.Push(0, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Push = %d, %v, want 5, nil", n, err)
	}

	buf := make([]byte, 5)
	n, err = p.Pop(0, buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Pop = %d, %q, %v", n, buf, err)
	}

	if c, _ := p.Count(0); c != 0 {
		t.Fatalf("Count after drain = %d, want 0", c)
	}
}

func TestPushSpansMultipleNodes(t *testing.T) {
	p := NewPool(4, 1)

	data := []byte("0123456789abcdefghij") // 20 bytes, > NodeCap
	n, err := p.Push(0, data)
	if err != nil || n != len(data) {
		t.Fatalf("Push = %d, %v, want %d, nil", n, err, len(data))
	}

	out := make([]byte, len(data))
	n, err = p.Pop(0, out)
	if err != nil || n != len(data) || string(out) != string(data) {
		t.Fatalf("Pop = %d, %q, %v", n, out, err)
	}
}

func TestPartialPopThenMoreData(t *testing.T) {
	p := NewPool(4, 1)

	if _, err := p.Push(0, []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	first := make([]byte, 3)
	if n, err := p.Pop(0, first); err != nil || n != 3 || string(first) != "abc" {
		t.Fatalf("first Pop = %d, %q, %v", n, first, err)
	}
	if _, err := p.Push(0, []byte("ghi")); err != nil {
		t.Fatal(err)
	}
	rest := make([]byte, 6)
	n, err := p.Pop(0, rest)
	if err != nil || string(rest[:n]) != "defghi" {
		t.Fatalf("second Pop = %d, %q, %v, want defghi", n, rest[:n], err)
	}
}

func TestQueuesAreIndependentAndShareThePool(t *testing.T) {
	p := NewPool(4, 2)

	if _, err := p.Push(0, []byte("0123456789abcdef")); err != nil { // exactly NodeCap
		t.Fatal(err)
	}
	if _, err := p.Push(1, []byte("x")); err != nil {
		t.Fatal(err)
	}

	c0, _ := p.Count(0)
	c1, _ := p.Count(1)
	if c0 != 16 || c1 != 1 {
		t.Fatalf("Count(0)=%d Count(1)=%d, want 16, 1", c0, c1)
	}

	out := make([]byte, 16)
	p.Pop(0, out)
	out1 := make([]byte, 1)
	p.Pop(1, out1)
	if string(out1) != "x" {
		t.Fatalf("queue 1 payload = %q, want x", out1)
	}
}

func TestPushFailsWhenPoolExhausted(t *testing.T) {
	p := NewPool(1, 1)

	n, err := p.Push(0, make([]byte, NodeCap+1))
	if err != ErrNoFreeNodes {
		t.Fatalf("err = %v, want ErrNoFreeNodes", err)
	}
	if n != NodeCap {
		t.Fatalf("n = %d, want %d bytes accepted before exhaustion", n, NodeCap)
	}
}

func TestAllocFreeQueueRoundTrip(t *testing.T) {
	p := NewPool(4, 1)

	id, err := p.AllocQueue()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.AllocQueue(); err != ErrNoFreeQueues {
		t.Fatalf("second AllocQueue err = %v, want ErrNoFreeQueues", err)
	}

	if _, err := p.Push(id, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := p.FreeQueue(id); err != nil {
		t.Fatal(err)
	}

	id2, err := p.AllocQueue()
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := p.Count(id2); c != 0 {
		t.Fatalf("Count after reuse = %d, want 0", c)
	}
}

func TestBadQueueID(t *testing.T) {
	p := NewPool(2, 1)
	if _, err := p.Push(5, []byte("x")); err != ErrBadQueue {
		t.Fatalf("err = %v, want ErrBadQueue", err)
	}
	if _, err := p.Pop(-1, make([]byte, 1)); err != ErrBadQueue {
		t.Fatalf("err = %v, want ErrBadQueue", err)
	}
}
