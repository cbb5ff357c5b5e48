package scanner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/scanner"
	"github.com/srg/blesync/internal/telemetry"
	"github.com/srg/blesync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// afarcloud is "http://www." + "afarcloud.eu/".
var afarcloud = append([]byte{0x00}, []byte("afarcloud.eu/")...)

// scriptedRadio replays advertisements on every scan pass, then waits for the pass to end.
type scriptedRadio struct {
	mu      sync.Mutex
	adverts []device.Advertisement
	passes  int
	err     error
}

func (r *scriptedRadio) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	r.mu.Lock()
	r.passes++
	adverts, err := r.adverts, r.err
	r.mu.Unlock()

	if err != nil {
		return err
	}
	for _, adv := range adverts {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *scriptedRadio) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

type ScannerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	radio  *scriptedRadio
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.radio = &scriptedRadio{}
}

func (suite *ScannerTestSuite) newScanner(opts scanner.Options) *scanner.Scanner {
	if opts.Window == 0 {
		opts.Window = 20 * time.Millisecond
	}
	if opts.Pause == 0 {
		opts.Pause = time.Millisecond
	}
	return scanner.New(suite.radio, opts, suite.helper.Logger)
}

func (suite *ScannerTestSuite) TestMatchesEddystoneURL() {
	// GOAL: Verify the sensor beacon URL admits a device and other URLs do not
	//
	// TEST SCENARIO: one beacon with the sensor URL, one with a foreign URL → only the first is found

	suite.radio.adverts = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:01").WithEddystoneURL(-20, afarcloud...).Build(),
		testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:02").WithEddystoneURL(-20, append([]byte{0x03}, []byte("example")...)...).Build(),
	}

	found, err := suite.newScanner(scanner.Options{}).Scan(context.Background())

	suite.Require().NoError(err)
	suite.Equal([]string{"aa:aa:aa:aa:aa:01"}, found)
}

func (suite *ScannerTestSuite) TestMatchesSyncService() {
	suite.radio.adverts = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:01").WithServices("180f").Build(),
		testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:02").WithServices(telemetry.SensorSyncService).Build(),
	}

	found, err := suite.newScanner(scanner.Options{}).Scan(context.Background())

	suite.Require().NoError(err)
	suite.Equal([]string{"aa:aa:aa:aa:aa:02"}, found)
}

func (suite *ScannerTestSuite) TestMatchesConfiguredService() {
	suite.radio.adverts = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:01").WithServices("0000180F-0000-1000-8000-00805F9B34FB").Build(),
	}

	found, err := suite.newScanner(scanner.Options{Services: []string{"180f"}}).Scan(context.Background())

	suite.Require().NoError(err)
	suite.Equal([]string{"aa:aa:aa:aa:aa:01"}, found)
}

func (suite *ScannerTestSuite) TestRepeatedAdvertisementsReportedOnce() {
	adv := testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:01").WithEddystoneURL(-20, afarcloud...).Build()
	suite.radio.adverts = []device.Advertisement{adv, adv, adv}

	s := suite.newScanner(scanner.Options{})
	found, err := s.Scan(context.Background())

	suite.Require().NoError(err)
	suite.Equal([]string{"aa:aa:aa:aa:aa:01"}, found, "an address MUST be reported once per pass")

	var types []scanner.EventType
	for len(types) < 3 {
		types = append(types, (<-s.Events()).Type)
	}
	suite.Equal([]scanner.EventType{scanner.EventNew, scanner.EventUpdated, scanner.EventUpdated}, types)
	suite.Require().Len(s.Known(), 1)
	suite.Equal("http://www.afarcloud.eu/", s.Known()[0].URL)
}

func (suite *ScannerTestSuite) TestScanError() {
	suite.radio.err = errors.New("radio busy")

	_, err := suite.newScanner(scanner.Options{}).Scan(context.Background())

	suite.Require().Error(err)
	suite.Contains(err.Error(), "radio busy")
}

func (suite *ScannerTestSuite) TestRunEnqueuesUntilCancelled() {
	// GOAL: Verify Run keeps scanning and hands matches to the queue until cancelled
	//
	// TEST SCENARIO: sensor advertises on every pass → enqueue called each pass → cancel stops Run

	suite.radio.adverts = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:01").WithEddystoneURL(-20, afarcloud...).Build(),
	}
	s := suite.newScanner(scanner.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var queued []string
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(address string) bool {
			mu.Lock()
			defer mu.Unlock()
			queued = append(queued, address)
			return len(queued) == 1
		})
	}()

	suite.Eventually(func() bool { return suite.radio.Passes() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		suite.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		suite.Fail("Run MUST return after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	suite.GreaterOrEqual(len(queued), 1)
	suite.Equal("aa:aa:aa:aa:aa:01", queued[0])

	_, open := <-s.Events()
	for open {
		_, open = <-s.Events()
	}
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}

func TestDecodeEddystoneURL(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
		err  bool
	}{
		{"sensor url", append([]byte{0x10, 0xec}, afarcloud...), "http://www.afarcloud.eu/", false},
		{"https scheme with .net/", []byte{0x10, 0x00, 0x03, 'e', 'x', 0x03}, "https://ex.net/", false},
		{"https www with .com", []byte{0x10, 0x00, 0x01, 'g', 'o', 0x07}, "https://www.go.com", false},
		{"uid frame", []byte{0x00, 0x00, 0x00}, "", true},
		{"truncated", []byte{0x10, 0x00}, "", true},
		{"unknown scheme", []byte{0x10, 0x00, 0x09, 'x'}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scanner.DecodeEddystoneURL(tc.data)
			if tc.err {
				if !errors.Is(err, scanner.ErrNotEddystoneURL) {
					t.Fatalf("expected ErrNotEddystoneURL, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("DecodeEddystoneURL() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}
