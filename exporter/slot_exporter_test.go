package exporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"beaconchain-indexer/db"
	"beaconchain-indexer/rpc"
	"beaconchain-indexer/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu           sync.Mutex
	latestSlot   uint64
	latestErr    error
	attestations map[uint64][]*types.APIAttestationResponse
	slotErrs     map[uint64]error
	requested    []uint64
	block        chan struct{}
	entered      chan struct{}
}

func newFakeClient(latestSlot uint64) *fakeClient {
	return &fakeClient{
		latestSlot:   latestSlot,
		attestations: make(map[uint64][]*types.APIAttestationResponse),
		slotErrs:     make(map[uint64]error),
	}
}

func (c *fakeClient) GetLatestSlot(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestSlot, c.latestErr
}

func (c *fakeClient) GetSlotAttestations(ctx context.Context, slot uint64) ([]*types.APIAttestationResponse, error) {
	if c.block != nil {
		c.entered <- struct{}{}
		<-c.block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = append(c.requested, slot)
	if err := c.slotErrs[slot]; err != nil {
		return nil, err
	}
	if attestations, found := c.attestations[slot]; found {
		return attestations, nil
	}
	return []*types.APIAttestationResponse{attestation("0xff", 8, slot/32)}, nil
}

func (c *fakeClient) setLatestSlot(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latestSlot = slot
}

func (c *fakeClient) setSlotErr(slot uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.slotErrs, slot)
		return
	}
	c.slotErrs[slot] = err
}

func attestation(bits string, committeeSize int, targetEpoch uint64) *types.APIAttestationResponse {
	validators := make([]uint64, committeeSize)
	for i := range validators {
		validators[i] = uint64(i)
	}
	return &types.APIAttestationResponse{
		Aggregationbits: &bits,
		Validators:      validators,
		TargetEpoch:     &targetEpoch,
	}
}

type failingSaveStore struct {
	*db.MemStore
	mu    sync.Mutex
	fails map[uint64]bool
}

func (s *failingSaveStore) SaveSlot(ctx context.Context, record *types.SlotRecord) error {
	s.mu.Lock()
	fail := s.fails[record.SlotNumber]
	s.mu.Unlock()
	if fail {
		return &types.StorageError{Op: "save slot", Err: errors.New("disk full")}
	}
	return s.MemStore.SaveSlot(ctx, record)
}

func slotNumbers(records []types.SlotRecord) []uint64 {
	slots := make([]uint64, 0, len(records))
	for _, record := range records {
		slots = append(slots, record.SlotNumber)
	}
	return slots
}

func newTestExporter(t *testing.T, client *fakeClient, store db.SlotStore, cfg Config) *SlotExporter {
	se, err := NewSlotExporter(client, store, cfg)
	require.NoError(t, err)
	return se
}

func TestRunCycleEmptyStoreStoresOnlyLatestSlot(t *testing.T) {
	client := newFakeClient(1000)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	result, err := se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000}, result.Exported)
	assert.Equal(t, []uint64{1000}, slotNumbers(store.Slots()))
}

func TestRunCycleIdleIsIdempotent(t *testing.T) {
	client := newFakeClient(1000)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)
	requests := len(client.requested)

	for i := 0; i < 2; i++ {
		result, err := se.RunCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Idle)
		assert.Empty(t, result.Exported)
	}
	assert.Len(t, store.Slots(), 1)
	assert.Equal(t, requests, len(client.requested))
}

func TestRunCycleExportsRangeInOrder(t *testing.T) {
	client := newFakeClient(100)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	client.setLatestSlot(105)
	result, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint64{101, 102, 103, 104, 105}, result.Exported)
	assert.Equal(t, []uint64{100, 101, 102, 103, 104, 105}, client.requested)
	assert.Equal(t, []uint64{100, 101, 102, 103, 104, 105}, slotNumbers(store.Slots()))
}

func TestRunCycleBuildsSlotRecord(t *testing.T) {
	client := newFakeClient(64)
	client.attestations[64] = []*types.APIAttestationResponse{
		attestation("0xff", 8, 1),  // no missed attestations
		attestation("0x80", 8, 2),  // 7 missed
		attestation("0xa5", 16, 1), // 4 missed
	}
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	slots := store.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, uint64(64), slots[0].SlotNumber)
	assert.Equal(t, uint64(2), slots[0].Epoch)
	assert.Equal(t, uint64(32), slots[0].ValidatorSetSize)
	assert.Equal(t, uint64(11), slots[0].MissedAttestations)
}

func TestRunCycleBitlistDecoding(t *testing.T) {
	client := newFakeClient(64)
	// bitlist of length 8 with only the first bit set
	client.attestations[64] = []*types.APIAttestationResponse{attestation("0x0101", 8, 2)}
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{BitfieldDecoding: "bitlist"})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	slots := store.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, uint64(7), slots[0].MissedAttestations)
}

func TestRunCycleBitlistEmptyCommittee(t *testing.T) {
	client := newFakeClient(64)
	client.attestations[64] = []*types.APIAttestationResponse{
		attestation("0x0101", 0, 2),
		attestation("0x0101", 8, 2),
	}
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{BitfieldDecoding: "bitlist"})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	slots := store.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, uint64(8), slots[0].ValidatorSetSize)
	assert.Equal(t, uint64(7), slots[0].MissedAttestations)
}

func TestRunCycleSlotWithoutAttestations(t *testing.T) {
	client := newFakeClient(100)
	client.attestations[100] = []*types.APIAttestationResponse{}
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []types.SlotRecord{{SlotNumber: 100, Epoch: 3, CreatedTs: store.Slots()[0].CreatedTs}}, store.Slots())
}

func TestRunCycleLatestSlotFailureAbortsCycle(t *testing.T) {
	client := newFakeClient(100)
	client.latestErr = &types.FetchError{Endpoint: "/slot/latest", StatusCode: 500, Err: errors.New("error-response")}
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	_, err := se.RunCycle(context.Background())
	var fetchErr *types.FetchError
	assert.ErrorAs(t, err, &fetchErr)
	assert.Empty(t, client.requested)
	assert.Empty(t, store.Slots())
}

func TestRunCycleRetriesFailedSlot(t *testing.T) {
	tests := []struct {
		name string
		fail func(client *fakeClient, store *failingSaveStore, slot uint64, failing bool)
	}{
		{
			name: "fetch",
			fail: func(client *fakeClient, store *failingSaveStore, slot uint64, failing bool) {
				var err error
				if failing {
					err = &types.FetchError{Endpoint: fmt.Sprintf("/slot/%d/attestations", slot), StatusCode: 502, Err: errors.New("bad gateway")}
				}
				client.setSlotErr(slot, err)
			},
		},
		{
			name: "decode",
			fail: func(client *fakeClient, store *failingSaveStore, slot uint64, failing bool) {
				bits := "0xff"
				if failing {
					bits = "0xzz"
				}
				client.mu.Lock()
				client.attestations[slot] = []*types.APIAttestationResponse{attestation(bits, 8, slot/32)}
				client.mu.Unlock()
			},
		},
		{
			name: "storage",
			fail: func(client *fakeClient, store *failingSaveStore, slot uint64, failing bool) {
				store.mu.Lock()
				store.fails[slot] = failing
				store.mu.Unlock()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(100)
			store := &failingSaveStore{MemStore: db.NewMemStore(), fails: make(map[uint64]bool)}
			se := newTestExporter(t, client, store, Config{MaxSlotAttempts: 10})

			_, err := se.RunCycle(context.Background())
			require.NoError(t, err)

			tt.fail(client, store, 102, true)
			client.setLatestSlot(104)
			result, err := se.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []uint64{101, 103, 104}, result.Exported)
			assert.Equal(t, []uint64{102}, result.Failed)
			assert.Equal(t, []uint64{102}, se.PendingSlots())

			tt.fail(client, store, 102, false)
			result, err = se.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []uint64{102}, result.Exported)
			assert.Empty(t, se.PendingSlots())
			assert.Equal(t, []uint64{100, 101, 102, 103, 104}, slotNumbers(store.Slots()))
		})
	}
}

func TestRunCycleStorageRetryReusesRecord(t *testing.T) {
	client := newFakeClient(100)
	store := &failingSaveStore{MemStore: db.NewMemStore(), fails: map[uint64]bool{101: true}}
	se := newTestExporter(t, client, store, Config{MaxSlotAttempts: 10})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	client.setLatestSlot(101)
	result, err := se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, result.Failed)

	store.mu.Lock()
	store.fails[101] = false
	store.mu.Unlock()

	result, err = se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, result.Exported)
	assert.Equal(t, []uint64{100, 101}, client.requested)
	assert.Equal(t, []uint64{100, 101}, slotNumbers(store.Slots()))
}

func TestRunCycleRefetchesSlotAfterDecodeFailure(t *testing.T) {
	var latestSlot uint64 = 100
	var slotRequests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/slot/latest":
			fmt.Fprintf(w, `{"status":"OK","data":{"slot":%d}}`, atomic.LoadUint64(&latestSlot))
		case "/api/v1/slot/100/attestations":
			fmt.Fprint(w, `{"status":"OK","data":[{"aggregationbits":"0xff","validators":[1,2,3,4,5,6,7,8],"target_epoch":3}]}`)
		case "/api/v1/slot/101/attestations":
			bits := "0xff"
			if atomic.AddInt32(&slotRequests, 1) == 1 {
				bits = "0xzz"
			}
			fmt.Fprintf(w, `{"status":"OK","data":[{"aggregationbits":%q,"validators":[1,2,3,4,5,6,7,8],"target_epoch":3}]}`, bits)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := rpc.NewBeaconchainClient(srv.URL+"/api/v1", "", time.Second*5, 0)
	require.NoError(t, err)
	store := db.NewMemStore()
	se, err := NewSlotExporter(client, store, Config{MaxSlotAttempts: 3})
	require.NoError(t, err)

	_, err = se.RunCycle(context.Background())
	require.NoError(t, err)

	atomic.StoreUint64(&latestSlot, 101)
	result, err := se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, result.Failed)

	result, err = se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, result.Exported)
	assert.Empty(t, result.Quarantined)
	assert.Equal(t, int32(2), atomic.LoadInt32(&slotRequests))
	assert.Equal(t, []uint64{100, 101}, slotNumbers(store.Slots()))
}

func TestRunCycleQuarantinesSlot(t *testing.T) {
	client := newFakeClient(100)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{MaxSlotAttempts: 3})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	client.setSlotErr(101, &types.FetchError{Endpoint: "/slot/101/attestations", StatusCode: 500, Err: errors.New("error-response")})
	client.setLatestSlot(102)

	for i := 0; i < 2; i++ {
		result, err := se.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []uint64{101}, result.Failed)
	}

	result, err := se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{101}, result.Quarantined)
	assert.Empty(t, se.PendingSlots())

	result, err = se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Idle)
	assert.Equal(t, []uint64{100, 102}, slotNumbers(store.Slots()))
}

func TestRunCycleMaxSlotsPerCycle(t *testing.T) {
	client := newFakeClient(100)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{MaxSlotsPerCycle: 4})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	client.setLatestSlot(110)
	result, err := se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{101, 102, 103, 104}, result.Exported)

	result, err = se.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{105, 106, 107, 108}, result.Exported)
}

func TestRunCycleIsNotReentrant(t *testing.T) {
	client := newFakeClient(100)
	client.block = make(chan struct{})
	client.entered = make(chan struct{}, 1)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{})

	done := make(chan error)
	go func() {
		_, err := se.RunCycle(context.Background())
		done <- err
	}()
	<-client.entered

	_, err := se.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(client.block)
	require.NoError(t, <-done)
	assert.Equal(t, []uint64{100}, slotNumbers(store.Slots()))
}

func TestRunCycleRequestDelayRespectsContext(t *testing.T) {
	client := newFakeClient(100)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{RequestDelay: time.Hour})

	_, err := se.RunCycle(context.Background())
	require.NoError(t, err)

	client.setLatestSlot(103)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	result, err := se.RunCycle(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []uint64{101}, result.Exported)
}

func TestNewSlotExporterInvalidDecoding(t *testing.T) {
	_, err := NewSlotExporter(newFakeClient(0), db.NewMemStore(), Config{BitfieldDecoding: "ssz"})
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	client := newFakeClient(100)
	store := db.NewMemStore()
	se := newTestExporter(t, client, store, Config{PollInterval: time.Millisecond * 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		se.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(store.Slots()) == 1 }, time.Second, time.Millisecond)
	client.setLatestSlot(102)
	require.Eventually(t, func() bool { return len(store.Slots()) == 3 }, time.Second, time.Millisecond)

	cancel()
	<-done
}
