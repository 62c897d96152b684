package session

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (rl *recordingListener) OnSessionStart(s *Session) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.events = append(rl.events, "start:"+s.ID().String())
}

func (rl *recordingListener) OnSessionEnd(s *Session, committed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	tag := "rollback"
	if committed {
		tag = "commit"
	}
	rl.events = append(rl.events, "end:"+tag+":"+s.ID().String())
}

func setupRegistry(t *testing.T) (*Registry, *recordingListener) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	r := NewRegistry(logger)
	l := &recordingListener{}
	r.AddListener(l)
	return r, l
}

// --- Test Cases ---

// TestRegistry_StartEndOrdering verifies listeners see start before end and
// carry the commit outcome through.
func TestRegistry_StartEndOrdering(t *testing.T) {
	r, l := setupRegistry(t)

	s := r.Begin()
	require.Equal(t, 1, r.Active())

	require.NoError(t, r.End(s.ID(), true))
	require.Equal(t, 0, r.Active())

	require.Equal(t, []string{
		"start:" + s.ID().String(),
		"end:commit:" + s.ID().String(),
	}, l.events)
}

func TestRegistry_RollbackOutcome(t *testing.T) {
	r, l := setupRegistry(t)

	s := r.Begin()
	require.NoError(t, r.End(s.ID(), false))
	require.Equal(t, "end:rollback:"+s.ID().String(), l.events[1])
}

func TestRegistry_EndUnknownSession(t *testing.T) {
	r, _ := setupRegistry(t)
	require.ErrorIs(t, r.End(uuid.New(), true), ErrSessionNotFound)
}

func TestRegistry_DoubleEnd(t *testing.T) {
	r, _ := setupRegistry(t)
	s := r.Begin()
	require.NoError(t, r.End(s.ID(), true))
	require.ErrorIs(t, r.End(s.ID(), true), ErrSessionNotFound)
}

func TestSession_Attributes(t *testing.T) {
	r, _ := setupRegistry(t)
	s := r.Begin()

	_, ok := s.Attr("tenant")
	require.False(t, ok)

	s.SetAttr("tenant", "blue")
	v, ok := s.Attr("tenant")
	require.True(t, ok)
	require.Equal(t, "blue", v)
}

// TestRegistry_ConcurrentSessions opens and closes sessions from many
// goroutines and checks the registry drains to zero with balanced events.
func TestRegistry_ConcurrentSessions(t *testing.T) {
	r, l := setupRegistry(t)

	const goroutines = 16
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			s := r.Begin()
			require.NoError(t, r.End(s.ID(), g%2 == 0))
		}(g)
	}
	wg.Wait()

	require.Equal(t, 0, r.Active())
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.events, goroutines*2)
}
