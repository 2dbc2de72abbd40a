package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/orthanc-relay/internal/metrics"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc/orthanctest"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// studyFixture stores study st1 with series se1 (i1, i2) and se2 (i3)
func studyFixture() *orthanctest.Fake {
	fake := orthanctest.New()
	fake.AddInstance("st1", "se1", "i1", nil)
	fake.AddInstance("st1", "se1", "i2", nil)
	fake.AddInstance("st1", "se2", "i3", nil)
	return fake
}

// events records forwarder callbacks
type events struct {
	mu        sync.Mutex
	forwarded []string
	failed    []string
}

func (e *events) onForwarded(_ *orthanc.InstancesSet, destination string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forwarded = append(e.forwarded, destination)
}

func (e *events) onError(_ *orthanc.InstancesSet, destination string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, destination)
}

func (e *events) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.forwarded), len(e.failed)
}

func newForwarder(t *testing.T, fake *orthanctest.Fake, cfg Config) (*Forwarder, *events) {
	t.Helper()
	ev := &events{}
	cfg.OnForwarded = ev.onForwarded
	cfg.OnForwardError = ev.onError
	if cfg.Clock == nil {
		cfg.Clock = testclock.NewClock(epoch)
	}
	f, err := New(fake, cfg)
	require.NoError(t, err)
	return f, ev
}

var errUnreachable = errors.New("destination unreachable")

// ============================================================================
// Configuration
// ============================================================================

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMode("DICOM")
	assert.ErrorContains(t, err, "allowed: dicom, dicom-series-by-series")
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		err  error
	}{
		{
			name: "no destination",
			cfg:  Config{},
			err:  ErrNoDestination,
		},
		{
			name: "unnamed destination",
			cfg:  Config{Destinations: []Destination{{Mode: ModePeering}}},
		},
		{
			name: "invalid mode",
			cfg:  Config{Destinations: []Destination{{Name: "A", Mode: "ftp"}}},
		},
		{
			name: "invalid alternate",
			cfg: Config{Destinations: []Destination{
				{Name: "A", Mode: ModePeering, Alternate: &Destination{Name: "B", Mode: "smtp"}},
			}},
		},
		{
			name: "unsupported trigger",
			cfg: Config{
				Destinations: []Destination{{Name: "A", Mode: ModePeering}},
				Trigger:      types.ChangeStablePatient,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(orthanctest.New(), tt.cfg)
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

// ============================================================================
// Forwarding modes
// ============================================================================

func TestForwardStudyAndDelete(t *testing.T) {
	fake := studyFixture()
	status := NewMemoryStatusStore()
	f, ev := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Status:       status,
	})

	require.NoError(t, f.HandleAllContent(context.Background()))

	assert.Equal(t, []string{"i1", "i2", "i3"}, fake.SentIDs("peer", "A"))
	assert.Equal(t, []string{"Study:st1"}, fake.Deleted())
	assert.False(t, fake.HasInstance("i1"))
	assert.Equal(t, 0, status.Len())

	forwarded, failed := ev.counts()
	assert.Equal(t, 1, forwarded)
	assert.Equal(t, 0, failed)
}

func TestForwardModes(t *testing.T) {
	tests := []struct {
		mode  Mode
		kind  string
		sends [][]string
	}{
		{ModeDicom, "modality", [][]string{{"i1", "i2", "i3"}}},
		{ModeDicomSeriesBySeries, "modality", [][]string{{"i1", "i2"}, {"i3"}}},
		{ModeDicomWeb, "dicom-web", [][]string{{"i1", "i2"}, {"i3"}}},
		{ModeDicomWebSeriesBySeries, "dicom-web", [][]string{{"i1", "i2"}, {"i3"}}},
		{ModePeering, "peer", [][]string{{"i1", "i2", "i3"}}},
		{ModeTransfer, "transfer", [][]string{{"i1", "i2", "i3"}}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			fake := studyFixture()
			f, _ := newForwarder(t, fake, Config{Destinations: []Destination{{Name: "D", Mode: tt.mode}}})

			require.NoError(t, f.HandleAllContent(context.Background()))

			var got [][]string
			for _, s := range fake.Sends() {
				assert.Equal(t, tt.kind, s.Kind)
				assert.Equal(t, "D", s.Target)
				got = append(got, s.IDs)
			}
			assert.Equal(t, tt.sends, got)
			assert.Equal(t, []string{"Study:st1"}, fake.Deleted())
		})
	}
}

func TestDicomWebSplitsLargeSeries(t *testing.T) {
	fake := studyFixture()
	fake.SetSeriesSize("se1", 2*LargeSeriesSize)
	fake.SetSeriesSize("se2", LargeSeriesSize)
	f, _ := newForwarder(t, fake, Config{Destinations: []Destination{{Name: "W", Mode: ModeDicomWebSeriesBySeries}}})

	require.NoError(t, f.HandleAllContent(context.Background()))

	var got [][]string
	for _, s := range fake.Sends() {
		got = append(got, s.IDs)
	}
	assert.Equal(t, [][]string{{"i1"}, {"i2"}, {"i3"}}, got)
}

func TestTriggerLevels(t *testing.T) {
	tests := []struct {
		trigger types.ChangeType
		deleted []string
	}{
		{types.ChangeStableStudy, []string{"Study:st1"}},
		{types.ChangeStableSeries, []string{"Series:se1", "Series:se2"}},
		{types.ChangeNewInstance, []string{"Instance:i1", "Instance:i2", "Instance:i3"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.trigger), func(t *testing.T) {
			fake := studyFixture()
			f, _ := newForwarder(t, fake, Config{
				Destinations: []Destination{{Name: "A", Mode: ModePeering}},
				Trigger:      tt.trigger,
				Workers:      2,
			})

			require.NoError(t, f.HandleAllContent(context.Background()))

			assert.ElementsMatch(t, tt.deleted, fake.Deleted())
			assert.ElementsMatch(t, []string{"i1", "i2", "i3"}, fake.SentIDs("peer", "A"))
		})
	}
}

// ============================================================================
// Failures and retries
// ============================================================================

func TestRetrySchedule(t *testing.T) {
	fake := studyFixture()
	fake.Fail("peer:A", errUnreachable)
	clk := testclock.NewClock(epoch)
	status := NewMemoryStatusStore()
	f, ev := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Status:       status,
		Clock:        clk,
	})
	ctx := context.Background()

	require.NoError(t, f.HandleAllContent(ctx))

	st, err := status.Get(ctx, "st1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, epoch.Add(60*time.Second), st.NextRetry)
	assert.Empty(t, fake.Deleted())

	// too early: the set is skipped
	clk.Advance(59 * time.Second)
	require.NoError(t, f.HandleAllContent(ctx))
	_, failed := ev.counts()
	assert.Equal(t, 1, failed)

	// second failure waits 120s
	clk.Advance(time.Second)
	require.NoError(t, f.HandleAllContent(ctx))
	st, _ = status.Get(ctx, "st1")
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, clk.Now().Add(120*time.Second), st.NextRetry)

	fake.Heal("peer:A")
	clk.Advance(120 * time.Second)
	require.NoError(t, f.HandleAllContent(ctx))

	assert.Equal(t, []string{"Study:st1"}, fake.Deleted())
	assert.Equal(t, 0, status.Len())
}

func TestRetryIntervalsCap(t *testing.T) {
	fake := studyFixture()
	fake.Fail("peer:A", errUnreachable)
	clk := testclock.NewClock(epoch)
	status := NewMemoryStatusStore()
	f, _ := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Status:       status,
		Clock:        clk,
	})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, f.HandleAllContent(ctx))
		clk.Advance(time.Hour)
	}

	st, _ := status.Get(ctx, "st1")
	assert.Equal(t, 7, st.RetryCount)
	assert.Equal(t, clk.Now().Add(-time.Hour).Add(3600*time.Second), st.NextRetry)
}

func TestConfirmedDestinationsAreNotResent(t *testing.T) {
	fake := studyFixture()
	fake.Fail("modality:B", errUnreachable)
	clk := testclock.NewClock(epoch)
	status := NewMemoryStatusStore()
	f, ev := newForwarder(t, fake, Config{
		Destinations: []Destination{
			{Name: "A", Mode: ModePeering},
			{Name: "B", Mode: ModeDicom},
		},
		Status: status,
		Clock:  clk,
	})
	ctx := context.Background()

	require.NoError(t, f.HandleAllContent(ctx))
	st, _ := status.Get(ctx, "st1")
	assert.Equal(t, []string{"A"}, st.SentTo)
	assert.Empty(t, fake.Deleted())

	fake.Heal("modality:B")
	clk.Advance(time.Minute)
	require.NoError(t, f.HandleAllContent(ctx))

	assert.Len(t, fake.SentIDs("peer", "A"), 3)
	assert.Len(t, fake.SentIDs("modality", "B"), 3)
	assert.Equal(t, []string{"Study:st1"}, fake.Deleted())

	// A is reported again on the second pass although it is not resent
	assert.Equal(t, []string{"A", "A", "B"}, ev.forwarded)
	assert.Equal(t, []string{"B"}, ev.failed)
}

func TestAlternateDestination(t *testing.T) {
	fake := studyFixture()
	fake.Fail("peer:A", errUnreachable)
	reg := prometheus.NewRegistry()
	f, ev := newForwarder(t, fake, Config{
		Destinations: []Destination{
			{Name: "A", Mode: ModePeering, Alternate: &Destination{Name: "B", Mode: ModeDicom}},
		},
		Metrics: metrics.NewCollector(reg),
	})

	require.NoError(t, f.HandleAllContent(context.Background()))

	assert.Equal(t, []string{"i1", "i2", "i3"}, fake.SentIDs("modality", "B"))
	assert.Equal(t, []string{"Study:st1"}, fake.Deleted())
	assert.Equal(t, []string{"B"}, ev.forwarded)
	assert.Empty(t, ev.failed)

	n, err := testutil.GatherAndCount(reg, "relay_forwarder_failed_total", "relay_forwarder_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// ============================================================================
// Filter and processor
// ============================================================================

func TestFilterDeletesRejectedInstances(t *testing.T) {
	fake := studyFixture()
	f, _ := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Filter: func(_ context.Context, _ orthanc.ResourceClient, id string) (bool, error) {
			return id != "i2", nil
		},
	})

	require.NoError(t, f.HandleAllContent(context.Background()))

	assert.Equal(t, []string{"i1", "i3"}, fake.SentIDs("peer", "A"))
	assert.Equal(t, []string{"Instance:i2", "Study:st1"}, fake.Deleted())
}

func TestFilterRejectingEverything(t *testing.T) {
	fake := studyFixture()
	f, _ := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Filter: func(context.Context, orthanc.ResourceClient, string) (bool, error) {
			return false, nil
		},
	})

	require.NoError(t, f.HandleAllContent(context.Background()))

	assert.Empty(t, fake.Sends())
	assert.Len(t, fake.Deleted(), 3)
}

func TestProcessorRunsOnceAcrossRetries(t *testing.T) {
	fake := studyFixture()
	fake.Fail("peer:A", errUnreachable)
	clk := testclock.NewClock(epoch)

	var mu sync.Mutex
	processed := map[string]int{}
	f, _ := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Clock:        clk,
		Processor: func(_ context.Context, _ orthanc.ResourceClient, id string) error {
			mu.Lock()
			defer mu.Unlock()
			processed[id]++
			return nil
		},
	})
	ctx := context.Background()

	require.NoError(t, f.HandleAllContent(ctx))
	fake.Heal("peer:A")
	clk.Advance(time.Minute)
	require.NoError(t, f.HandleAllContent(ctx))

	assert.Equal(t, map[string]int{"i1": 1, "i2": 1, "i3": 1}, processed)
	assert.Equal(t, []string{"Study:st1"}, fake.Deleted())
}

func TestWaitStartedChecksOverwriteInstances(t *testing.T) {
	fake := studyFixture()
	fake.SetSystem(orthanc.System{Name: "src", OverwriteInstances: false})
	f, _ := newForwarder(t, fake, Config{
		Destinations: []Destination{{Name: "A", Mode: ModePeering}},
		Processor: func(context.Context, orthanc.ResourceClient, string) error {
			return nil
		},
	})

	assert.ErrorIs(t, f.WaitStarted(context.Background()), ErrOverwriteDisabled)

	fake.SetSystem(orthanc.System{Name: "src", OverwriteInstances: true})
	assert.NoError(t, f.WaitStarted(context.Background()))
}

func TestWaitStartedGivesUp(t *testing.T) {
	fake := orthanctest.New()
	fake.SetAlive(false)
	f, _ := newForwarder(t, fake, Config{
		Destinations:      []Destination{{Name: "A", Mode: ModePeering}},
		PollingInterval:   time.Millisecond,
		MaxStartupRetries: 2,
	})

	assert.ErrorIs(t, f.WaitStarted(context.Background()), orthanc.ErrNotStarted)
}

// ============================================================================
// Run loop
// ============================================================================

func TestRunForwardsNewContent(t *testing.T) {
	fake := orthanctest.New()
	clk := testclock.NewClock(epoch)
	f, _ := newForwarder(t, fake, Config{
		Destinations:    []Destination{{Name: "A", Mode: ModePeering}},
		Clock:           clk,
		PollingInterval: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// first pass finds nothing and sleeps
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))

	fake.AddInstance("st9", "se9", "i9", nil)
	require.NoError(t, clk.WaitAdvance(10*time.Second, time.Second, 1))

	assert.Eventually(t, func() bool {
		return len(fake.Deleted()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"i9"}, fake.SentIDs("peer", "A"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkHandleAllContent(b *testing.B) {
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		fake := studyFixture()
		f, err := New(fake, Config{Destinations: []Destination{{Name: "A", Mode: ModePeering}}})
		if err != nil {
			b.Fatalf("New: %v", err)
		}
		b.StartTimer()

		if err := f.HandleAllContent(ctx); err != nil {
			b.Fatalf("HandleAllContent: %v", err)
		}
	}
}
