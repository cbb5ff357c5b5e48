package main

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/srg/blesync/internal/telemetry"
	"github.com/srg/blesync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DecodeCommandTestSuite struct {
	CommandTestSuite
}

func (suite *DecodeCommandTestSuite) TestDecodeArguments() {
	// GOAL: Verify captured frames decode offline with short field identifiers
	//
	// TEST SCENARIO: timestamp + temperature frame, then end-of-stream → one JSON line, sentinel noted

	stdout, stderr, err := suite.ExecuteCommand(context.Background(),
		"decode", "--fields", "8fee2901,8fee2902", "--device", "node-7", "01e8030000f6ff", "00")

	suite.Require().NoError(err)
	testutils.NewJSONAsserter(suite.T()).Assert(strings.TrimSpace(stdout),
		`{"node-7": [{"ts": 1000000, "values": {"temperature": -0.1}}]}`)
	suite.Contains(stderr, "frame 2: end of stream")
}

func (suite *DecodeCommandTestSuite) TestDecodeStdinByName() {
	fields := []string{testutils.TimestampID, testutils.HumidityID}
	frame, err := telemetry.NewSchema(fields...).Encode([]telemetry.Record{
		{Timestamp: 5_000, Values: map[string]float64{"humidity": 41.5}},
	})
	suite.Require().NoError(err)

	root := newRootCmd()
	var stdout, stderr lockedBuffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader("# capture\n" + hex.EncodeToString(frame) + "\n\n"))
	root.SetArgs([]string{"decode", "-f", "timestamp,humidity"})

	suite.Require().NoError(root.Execute())
	testutils.NewJSONAsserter(suite.T()).Assert(strings.TrimSpace(stdout.String()),
		`{"decoded": [{"ts": 5000, "values": {"humidity": 41.5}}]}`)
}

func (suite *DecodeCommandTestSuite) TestShortFrameKeepsPrefix() {
	// header announces 2 records of 6 bytes, only one is present
	stdout, stderr, err := suite.ExecuteCommand(context.Background(),
		"decode", "-f", "8fee2901,8fee2902", "02e8030000f6ff")

	suite.Require().NoError(err)
	suite.Contains(stdout, `"temperature":-0.1`)
	suite.Contains(stderr, "short frame")
}

func (suite *DecodeCommandTestSuite) TestDecodeErrors() {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing fields", []string{"decode", "00"}, `required flag(s) "fields" not set`},
		{"unknown field", []string{"decode", "-f", "deadbeef", "00"}, `unknown field "deadbeef"`},
		{"ambiguous name", []string{"decode", "-f", "temperature", "00"}, `ambiguous field "temperature"`},
		{"bad hex", []string{"decode", "-f", "timestamp", "zz"}, "frame 1: invalid hex"},
		{"empty frame", []string{"decode", "-f", "timestamp", ""}, "frame 1: empty frame"},
	}
	for _, tc := range cases {
		suite.Run(tc.name, func() {
			_, _, err := suite.ExecuteCommand(context.Background(), tc.args...)
			suite.Require().Error(err)
			suite.Contains(err.Error(), tc.want)
		})
	}
}

func TestDecodeCommandTestSuite(t *testing.T) {
	suite.Run(t, new(DecodeCommandTestSuite))
}
