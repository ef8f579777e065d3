package zephyr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/ggoodman/projectapi-go/projectapi"
)

// Failure kinds reported for attached hardware.
const (
	KindBoardError            = "BoardError"
	KindBoardAutodetectFailed = "BoardAutodetectFailed"
)

func (h *Handler) nrfjprog(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, h.cfg.Nrfjprog, args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("zephyr: %s %s: %w", h.cfg.Nrfjprog, strings.Join(args, " "), err)
	}
	return out, nil
}

// nrfDeviceArgs selects the attached board nrfjprog should talk to.
func (h *Handler) nrfDeviceArgs(ctx context.Context, opts projectapi.Options) ([]string, error) {
	out, err := h.nrfjprog(ctx, "--ids")
	if err != nil {
		return nil, err
	}
	var boards []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			boards = append(boards, line)
		}
	}
	if len(boards) == 0 {
		return nil, projectapi.Errorf(KindBoardAutodetectFailed, "no attached boards recognized by %s --ids", h.cfg.Nrfjprog)
	}

	snr := optionText(opts, "nrfjprog_snr")
	switch {
	case snr != "":
		if !slices.Contains(boards, snr) {
			return nil, projectapi.Errorf(KindBoardError, "nrfjprog_snr (%s) not found in %s --ids: %s", snr, h.cfg.Nrfjprog, strings.Join(boards, ", "))
		}
		return []string{"--snr", snr}, nil
	case len(boards) > 1:
		return nil, projectapi.Errorf(KindBoardError, "multiple boards connected; specify one with nrfjprog_snr=: %s", strings.Join(boards, ", "))
	default:
		return []string{"--snr", boards[0]}, nil
	}
}

// nrfSerialPort finds the board's virtual COM port via nrfjprog --com.
func (h *Handler) nrfSerialPort(ctx context.Context, opts projectapi.Options) (string, error) {
	devArgs, err := h.nrfDeviceArgs(ctx, opts)
	if err != nil {
		return "", err
	}
	out, err := h.nrfjprog(ctx, append([]string{"--com"}, devArgs...)...)
	if err != nil {
		return "", err
	}
	ports := map[string]string{}
	for _, line := range bytes.Split(out, []byte("\n")) {
		parts := strings.Fields(string(line))
		if len(parts) >= 3 {
			ports[parts[2]] = parts[1]
		}
	}
	// The application UART is VCOM2 on multi-core kits and VCOM0 elsewhere.
	for _, vcom := range []string{"VCOM2", "VCOM0"} {
		if port, ok := ports[vcom]; ok {
			return port, nil
		}
	}
	return "", projectapi.Errorf(KindBoardError, "%s --com reported no usable serial port", h.cfg.Nrfjprog)
}
