package neptune

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dreamans/neptune/poller"
)

func recordingChannel(calls *[]string) *Channel {
	ch := NewChannel(nil, 42)
	ch.SetReadCallback(func(time.Time) { *calls = append(*calls, "read") })
	ch.SetWriteCallback(func() { *calls = append(*calls, "write") })
	ch.SetCloseCallback(func() { *calls = append(*calls, "close") })
	ch.SetErrorCallback(func() { *calls = append(*calls, "error") })
	ch.DoNotLogHup()
	return ch
}

func TestChannelHandleEventOrder(t *testing.T) {
	cases := []struct {
		name    string
		revents poller.Event
		want    []string
	}{
		{"none", poller.EventNone, nil},
		{"in", poller.EventIn, []string{"read"}},
		{"pri", poller.EventPri, []string{"read"}},
		{"rdhup", poller.EventRdHup, []string{"read"}},
		{"out", poller.EventOut, []string{"write"}},
		{"hup", poller.EventHup, []string{"close", "read"}},
		{"hup with input", poller.EventHup | poller.EventIn, []string{"read"}},
		{"err", poller.EventErr, []string{"error"}},
		{"nval", poller.EventNval, []string{"error"}},
		{"err in out", poller.EventErr | poller.EventIn | poller.EventOut, []string{"error", "read", "write"}},
		{"hup out", poller.EventHup | poller.EventOut, []string{"close", "read", "write"}},
		{"hup err", poller.EventHup | poller.EventErr, []string{"close", "error", "read"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls []string
			ch := recordingChannel(&calls)
			ch.SetRevents(tc.revents)
			ch.HandleEvent(time.Now())
			assert.Equal(t, tc.want, calls)
		})
	}
}

func TestChannelHandleEventAllCombinations(t *testing.T) {
	all := []poller.Event{
		poller.EventIn, poller.EventPri, poller.EventOut, poller.EventErr,
		poller.EventHup, poller.EventNval, poller.EventRdHup,
	}
	for mask := 0; mask < 1<<len(all); mask++ {
		var revents poller.Event
		for i, ev := range all {
			if mask&(1<<i) != 0 {
				revents |= ev
			}
		}
		var calls []string
		ch := recordingChannel(&calls)
		ch.SetRevents(revents)
		ch.HandleEvent(time.Now())

		got := map[string]int{}
		for _, c := range calls {
			got[c]++
		}
		wantClose := revents&poller.EventHup != 0 && revents&poller.EventIn == 0
		wantError := revents&(poller.EventErr|poller.EventNval) != 0
		wantRead := revents&(poller.EventIn|poller.EventPri|poller.EventRdHup|poller.EventHup) != 0
		wantWrite := revents&poller.EventOut != 0

		assert.Equal(t, b2i(wantClose), got["close"], "close for %s", revents)
		assert.Equal(t, b2i(wantError), got["error"], "error for %s", revents)
		assert.Equal(t, b2i(wantRead), got["read"], "read for %s", revents)
		assert.Equal(t, b2i(wantWrite), got["write"], "write for %s", revents)
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

type fakeOwner struct {
	name  string
	alive bool
}

func (o *fakeOwner) Alive() bool { return o.alive }

func TestChannelTie(t *testing.T) {
	var calls []string
	ch := recordingChannel(&calls)
	owner := &fakeOwner{name: "conn", alive: true}
	Tie(ch, owner)
	ch.SetRevents(poller.EventIn)

	ch.HandleEvent(time.Now())
	assert.Equal(t, []string{"read"}, calls)

	owner.alive = false
	ch.HandleEvent(time.Now())
	assert.Equal(t, []string{"read"}, calls)
}

func TestChannelTieDoesNotKeepOwnerAlive(t *testing.T) {
	var calls []string
	ch := recordingChannel(&calls)
	Tie(ch, &fakeOwner{name: "conn", alive: true})
	ch.SetRevents(poller.EventIn)

	require.Eventually(t, func() bool {
		runtime.GC()
		return ch.owner() == nil
	}, 5*time.Second, 10*time.Millisecond)
	ch.HandleEvent(time.Now())
	assert.Empty(t, calls)
}

func TestChannelMissingCallbacks(t *testing.T) {
	ch := NewChannel(nil, 7)
	ch.DoNotLogHup()
	ch.SetRevents(poller.EventIn | poller.EventOut | poller.EventErr | poller.EventHup)
	assert.NotPanics(t, func() { ch.HandleEvent(time.Now()) })
}

func TestChannelRegistration(t *testing.T) {
	loop := startLoop(t, poller.KindDefault)
	fds := socketPair(t)

	inLoop(t, loop, func() {
		ch := NewChannel(loop, fds[0])
		assert.True(t, ch.IsNoneEvent())
		assert.Equal(t, -1, ch.Index())

		ch.EnableReading()
		assert.True(t, ch.IsReading())
		assert.False(t, ch.IsWriting())
		assert.True(t, loop.HasChannel(ch))

		ch.EnableWriting()
		assert.True(t, ch.IsWriting())
		assert.Panics(t, func() { ch.Remove() })
		assert.Panics(t, func() { ch.Release() })

		ch.DisableWriting()
		ch.DisableReading()
		assert.True(t, ch.IsNoneEvent())
		assert.True(t, loop.HasChannel(ch))

		ch.Remove()
		assert.False(t, loop.HasChannel(ch))
		ch.Release()
		assert.Panics(t, func() { ch.EnableReading() })
	})
}

func TestChannelDispatchThroughLoop(t *testing.T) {
	loop := startLoop(t, poller.KindPoll)
	fds := socketPair(t)

	got := make(chan string, 4)
	var ch *Channel
	inLoop(t, loop, func() {
		ch = NewChannel(loop, fds[0])
		ch.SetReadCallback(func(time.Time) {
			var buf [16]byte
			n, _ := unix.Read(fds[0], buf[:])
			got <- string(buf[:n])
		})
		ch.EnableReading()
	})

	_, err := unix.Write(fds[1], []byte("wake"))
	require.NoError(t, err)
	select {
	case s := <-got:
		assert.Equal(t, "wake", s)
	case <-time.After(5 * time.Second):
		t.Fatal("read callback did not fire")
	}

	inLoop(t, loop, func() {
		ch.DisableAll()
		ch.Remove()
		ch.Release()
	})
}
