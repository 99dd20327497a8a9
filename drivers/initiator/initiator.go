// Package initiator drives NVMe/TCP initiators: it connects them to the
// gateways and runs fio against every connected namespace.
package initiator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/task"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDiscoveryPort is the NVMe/TCP discovery service port
	DefaultDiscoveryPort = 8009
	// DefaultCtrlLossTimeout keeps controllers retrying for an hour while gateways fail over
	DefaultCtrlLossTimeout = 3600
	// DefaultIODepth is the fio queue depth per device
	DefaultIODepth = 16

	cephModel   = "Ceph bdev Controller"
	fioJobName  = "nvmeha"
	stopTimeout = 2 * time.Minute
	stopPoll    = 5 * time.Second
)

// Config describes how an initiator connects and loads its devices
type Config struct {
	// Gateway is the address of the gateway used for discovery
	Gateway string
	// DiscoveryPort defaults to DefaultDiscoveryPort
	DiscoveryPort int
	// CtrlLossTimeout in seconds, defaults to DefaultCtrlLossTimeout
	CtrlLossTimeout int
	// IODepth defaults to DefaultIODepth
	IODepth int
	// Size of the I/O per device, defaults to 100%
	Size string
	// RW is the fio rw pattern, defaults to write
	RW string
	// BlockSize defaults to 4k
	BlockSize string
}

// NVMeInitiator is an initiator reached through a node driver
type NVMeInitiator struct {
	driver node.Driver
	node   node.Node
	cfg    Config
	opts   node.ConnectionOpts

	mu      sync.Mutex
	devices []string
}

// New returns an initiator running on n
func New(d node.Driver, n node.Node, cfg Config) *NVMeInitiator {
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
	}
	if cfg.CtrlLossTimeout == 0 {
		cfg.CtrlLossTimeout = DefaultCtrlLossTimeout
	}
	if cfg.IODepth == 0 {
		cfg.IODepth = DefaultIODepth
	}
	if cfg.Size == "" {
		cfg.Size = "100%"
	}
	if cfg.RW == "" {
		cfg.RW = "write"
	}
	if cfg.BlockSize == "" {
		cfg.BlockSize = "4k"
	}
	return &NVMeInitiator{driver: d, node: n, cfg: cfg}
}

func (i *NVMeInitiator) String() string {
	return i.node.Name
}

func (i *NVMeInitiator) run(ctx context.Context, cmd string, ignoreErr bool) (string, error) {
	opts := i.opts
	opts.IgnoreError = ignoreErr
	return i.driver.RunCommand(ctx, i.node, cmd, opts)
}

// Connect connects to every subsystem advertised by the gateway and lists the
// resulting devices.
func (i *NVMeInitiator) Connect(ctx context.Context) error {
	if i.cfg.Gateway == "" {
		return fmt.Errorf("[ %s ] no gateway to discover subsystems from", i.node.Name)
	}
	cmd := fmt.Sprintf("sudo nvme connect-all --transport tcp --traddr %s --trsvcid %d --ctrl-loss-tmo %d",
		i.cfg.Gateway, i.cfg.DiscoveryPort, i.cfg.CtrlLossTimeout)
	if _, err := i.run(ctx, cmd, false); err != nil {
		return errors.Wrapf(err, "[ %s ] failed to connect to %s", i.node.Name, i.cfg.Gateway)
	}

	devices, err := i.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("NVMe Targets not found on %s", i.node.Name)
	}
	log.Infof("[ %s ] connected NVMe devices: %v", i.node.Name, devices)
	return nil
}

// ListDevices returns the block devices backed by gateway namespaces
func (i *NVMeInitiator) ListDevices(ctx context.Context) ([]string, error) {
	out, err := i.run(ctx, "sudo nvme list --output-format json", false)
	if err != nil {
		return nil, err
	}
	devices, err := ParseDevices(out)
	if err != nil {
		return nil, errors.Wrapf(err, "[ %s ] failed to list NVMe devices", i.node.Name)
	}
	i.mu.Lock()
	i.devices = devices
	i.mu.Unlock()
	return devices, nil
}

type nvmeList struct {
	Devices []struct {
		DevicePath  string `json:"DevicePath"`
		ModelNumber string `json:"ModelNumber"`
		Subsystems  []struct {
			Controllers []struct {
				ModelNumber string `json:"ModelNumber"`
			} `json:"Controllers"`
			Namespaces []struct {
				NameSpace string `json:"NameSpace"`
			} `json:"Namespaces"`
		} `json:"Subsystems"`
	} `json:"Devices"`
}

// ParseDevices extracts gateway backed devices from "nvme list" JSON. Both the
// flat and the per subsystem layouts of nvme-cli are understood.
func ParseDevices(out string) ([]string, error) {
	if i := strings.Index(out, "{"); i > 0 {
		out = out[i:]
	}
	var list nvmeList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var devices []string
	add := func(dev string) {
		if dev != "" && !seen[dev] {
			seen[dev] = true
			devices = append(devices, dev)
		}
	}
	for _, dev := range list.Devices {
		if strings.HasPrefix(dev.ModelNumber, cephModel) {
			add(dev.DevicePath)
		}
		for _, subsys := range dev.Subsystems {
			ceph := false
			for _, ctrl := range subsys.Controllers {
				if ctrl.ModelNumber == cephModel {
					ceph = true
					break
				}
			}
			if !ceph {
				continue
			}
			for _, ns := range subsys.Namespaces {
				add("/dev/" + ns.NameSpace)
			}
		}
	}
	sort.Strings(devices)
	return devices, nil
}

func (i *NVMeInitiator) fioCommand(device string) string {
	return fmt.Sprintf("sudo fio --name=%s-%s --ioengine=libaio --direct=1 --filename=%s --rw=%s --bs=%s --iodepth=%d --size=%s",
		fioJobName, strings.ReplaceAll(strings.TrimPrefix(device, "/dev/"), "/", "_"),
		device, i.cfg.RW, i.cfg.BlockSize, i.cfg.IODepth, i.cfg.Size)
}

// RunIO runs one fio job per device in parallel and returns their reports once
// all of them end.
func (i *NVMeInitiator) RunIO(ctx context.Context) (string, error) {
	i.mu.Lock()
	devices := append([]string(nil), i.devices...)
	i.mu.Unlock()
	if len(devices) == 0 {
		var err error
		if devices, err = i.ListDevices(ctx); err != nil {
			return "", err
		}
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("NVMe Targets not found on %s", i.node.Name)
	}

	reports := make([]string, len(devices))
	var g errgroup.Group
	for idx, dev := range devices {
		idx, dev := idx, dev
		g.Go(func() error {
			// fio exits non zero when interrupted; its report is still wanted
			out, err := i.run(ctx, i.fioCommand(dev), true)
			reports[idx] = out
			return err
		})
	}
	err := g.Wait()
	return strings.Join(reports, "\n"), err
}

// StopIO interrupts the fio jobs so that they print their report, then waits
// for them to exit.
func (i *NVMeInitiator) StopIO(ctx context.Context) error {
	// the bracket keeps the pattern from matching the shell running it
	if _, err := i.run(ctx, fmt.Sprintf("sudo pkill -INT -f '[f]io --name=%s'", fioJobName), true); err != nil {
		return err
	}
	outcome, err := task.WaitUntil(func() (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		out, err := i.run(ctx, fmt.Sprintf("pgrep -f '[f]io --name=%s' || true", fioJobName), true)
		if err != nil {
			return false, nil
		}
		return strings.TrimSpace(out) == "", nil
	}, stopTimeout, stopPoll)
	if err != nil {
		return err
	}
	return outcome.Err(fmt.Sprintf("[ %s ] stopping fio", i.node.Name))
}
