package main

import (
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/testutils"
)

// Test device addresses for consistent fake sensor identification
const (
	TestDeviceAddress1 = "aa:00:00:00:00:01"
	TestDeviceAddress2 = "aa:00:00:00:00:02"
)

// afarcloud is the compressed Eddystone-URL of "http://www.afarcloud.eu/".
var afarcloud = append([]byte{0x00}, []byte("afarcloud.eu/")...)

// fakeRadio serves connections from the suite transport and replays advertisements on every scan.
type fakeRadio struct {
	*testutils.FakeTransport

	mu      sync.Mutex
	adverts []device.Advertisement
	scans   int
	closed  int
}

func (r *fakeRadio) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	r.mu.Lock()
	r.scans++
	adverts := append([]device.Advertisement(nil), r.adverts...)
	r.mu.Unlock()

	for _, adv := range adverts {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeRadio) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writers of a running gateway.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a fake radio in a scratch working directory.
type CommandTestSuite struct {
	testutils.SensorSuite
	Radio *fakeRadio
}

func (s *CommandTestSuite) SetupTest() {
	s.SensorSuite.SetupTest()
	s.T().Chdir(s.T().TempDir())

	noColor := color.NoColor
	color.NoColor = true
	s.T().Cleanup(func() { color.NoColor = noColor })

	s.Radio = &fakeRadio{FakeTransport: s.Transport}
	origRadio := newRadio
	newRadio = func(*logrus.Logger) (Radio, error) { return s.Radio, nil }
	s.T().Cleanup(func() { newRadio = origRadio })
}

// WriteConfig writes blesync.yaml into the working directory and returns its name.
func (s *CommandTestSuite) WriteConfig(content string) string {
	s.Require().NoError(os.WriteFile("blesync.yaml", []byte(content), 0o600), "config MUST be written")
	return "blesync.yaml"
}

// ExecuteCommand runs the root command with args, returning stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(ctx context.Context, args ...string) (string, string, error) {
	root := newRootCmd()
	var stdout, stderr lockedBuffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}
