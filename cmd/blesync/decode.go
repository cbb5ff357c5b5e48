package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/sink"
	"github.com/srg/blesync/internal/telemetry"
)

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [hex-frame...]",
		Short: "Decode captured indication frames offline",
		Long: `Decode indication payloads captured from a sensor, given the field identifiers its sync
characteristic announces. Frames are read from the arguments or, when none are given, one per line
from stdin. Each frame is printed as one gateway telemetry JSON object.

Fields may be given as full UUIDs, as their 32-bit prefix (8fee2902), or by name when unique.`,
		Example: `  blesync decode --fields 8fee2901,8fee2902 01e8030000f6ff
  cat capture.txt | blesync decode --fields timestamp,humidity,battery`,
		RunE: runDecode,
	}
	cmd.Flags().StringSliceP("fields", "f", nil, "Field identifiers announced by the device (required)")
	cmd.Flags().StringP("device", "d", "decoded", "Device id used in the output")
	_ = cmd.MarkFlagRequired("fields")
	return cmd
}

func runDecode(cmd *cobra.Command, args []string) error {
	fields, _ := cmd.Flags().GetStringSlice("fields")
	deviceID, _ := cmd.Flags().GetString("device")

	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		id, err := resolveField(f)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	schema := telemetry.NewSchema(ids...)

	cmd.SilenceUsage = true

	frames := args
	if len(frames) == 0 {
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
				frames = append(frames, line)
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("failed to read frames: %w", err)
		}
	}

	out := sink.NewWriter(cmd.OutOrStdout())
	now := time.Now()
	for i, raw := range frames {
		payload, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(raw))
		if err != nil {
			return fmt.Errorf("frame %d: invalid hex: %w", i+1, err)
		}

		frame, err := schema.Decode(payload, now)
		switch {
		case errors.Is(err, telemetry.ErrShortFrame):
			fmt.Fprintf(cmd.ErrOrStderr(), "frame %d: %v\n", i+1, err)
		case err != nil:
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		if frame.Sentinel {
			fmt.Fprintf(cmd.ErrOrStderr(), "frame %d: end of stream\n", i+1)
			continue
		}
		if err := out.Publish(cmd.Context(), deviceID, frame.Records); err != nil {
			return err
		}
	}
	return nil
}

// resolveField maps a full identifier, its 32-bit prefix, or a unique field name to a known
// identifier.
func resolveField(field string) (string, error) {
	if r, ok := telemetry.Lookup(field); ok {
		return r.ID, nil
	}

	key := device.NormalizeUUID(field)
	var matches []string
	for _, r := range telemetry.Rules() {
		if (len(key) == 8 && device.ShortenUUID(r.ID) == key) || strings.EqualFold(r.Name, field) {
			matches = append(matches, r.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("unknown field %q", field)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous field %q matches %s", field, strings.Join(matches, ", "))
	}
}
