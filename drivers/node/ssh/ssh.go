package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/portworx/nvmeof-ha/drivers/node"
	"github.com/portworx/nvmeof-ha/pkg/log"
	"github.com/portworx/nvmeof-ha/pkg/task"
	"github.com/vrischmann/envconfig"
	ssh_pkg "golang.org/x/crypto/ssh"
)

const (
	// DriverName is the name of the ssh driver
	DriverName = "ssh"
	// DefaultUsername is the default username used for ssh operations
	DefaultUsername = "cephuser"
	// DefaultSSHPort is the default port used for ssh operations
	DefaultSSHPort = 22
	// EnvPrefix prefixes the environment variables read by Init, e.g. NVMEHA_SSH_USER
	EnvPrefix = "NVMEHA_SSH"

	defaultConnectTimeout = 1 * time.Minute
	defaultRetryInterval  = 10 * time.Second
)

// Config holds the ssh settings read from the environment
type Config struct {
	User     string `envconfig:"default=cephuser"`
	Password string `envconfig:"optional"`
	Key      string `envconfig:"optional"`
	Port     int    `envconfig:"default=22"`
}

type ssh struct {
	node.Driver
	username  string
	password  string
	keyPath   string
	port      int
	sshConfig *ssh_pkg.ClientConfig

	addrLock    sync.Mutex
	usableAddrs map[string]string
}

func (s *ssh) String() string {
	return DriverName
}

func getKeyFile(keypath string) (ssh_pkg.Signer, error) {
	buf, err := os.ReadFile(keypath)
	if err != nil {
		return nil, err
	}

	return ssh_pkg.ParsePrivateKey(buf)
}

// Init reads the ssh settings from the environment and tests every given node
func (s *ssh) Init(nodes []node.Node) error {
	var cfg Config
	if err := envconfig.InitWithPrefix(&cfg, EnvPrefix); err != nil {
		return fmt.Errorf("failed to read ssh config from environment: %v", err)
	}
	if err := s.configure(cfg); err != nil {
		return err
	}

	for _, n := range nodes {
		if err := s.TestConnection(n, node.ConnectionOpts{
			Timeout:         defaultConnectTimeout,
			TimeBeforeRetry: defaultRetryInterval,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *ssh) configure(cfg Config) error {
	s.username = cfg.User
	s.password = cfg.Password
	s.keyPath = cfg.Key
	s.port = cfg.Port
	if s.port == 0 {
		s.port = DefaultSSHPort
	}

	var auth ssh_pkg.AuthMethod
	if s.keyPath != "" {
		signer, err := getKeyFile(s.keyPath)
		if err != nil {
			return fmt.Errorf("Error getting private key from keyfile %s: %v", s.keyPath, err)
		}
		auth = ssh_pkg.PublicKeys(signer)
	} else if s.password != "" {
		auth = ssh_pkg.Password(s.password)
	} else {
		return fmt.Errorf("Unknown auth type: set %s_KEY or %s_PASSWORD", EnvPrefix, EnvPrefix)
	}

	s.sshConfig = &ssh_pkg.ClientConfig{
		User:            s.username,
		Auth:            []ssh_pkg.AuthMethod{auth},
		HostKeyCallback: ssh_pkg.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	return nil
}

func (s *ssh) TestConnection(n node.Node, options node.ConnectionOpts) error {
	if _, err := s.getAddrToConnect(n, options); err != nil {
		return &node.ErrFailedToTestConnection{
			Node:  n,
			Cause: fmt.Sprintf("failed to get node address due to: %v", err),
		}
	}
	return nil
}

func (s *ssh) RunCommand(ctx context.Context, n node.Node, cmd string, options node.ConnectionOpts) (string, error) {
	addr, err := s.getAddrToConnect(n, options)
	if err != nil {
		return "", &node.ErrFailedToRunCommand{
			Addr:  n.Name,
			Cause: fmt.Sprintf("failed to get node address due to: %v", err),
		}
	}
	if options.Sudo {
		cmd = "sudo " + cmd
	}
	log.Debugf("[ %s ] running: %s", n.Name, cmd)
	return s.doCmd(ctx, addr, cmd, options.IgnoreError)
}

func (s *ssh) Systemctl(ctx context.Context, n node.Node, service string, options node.SystemctlOpts) error {
	switch options.Action {
	case "start", "stop", "restart":
	default:
		return &node.ErrFailedToRunSystemctlOnNode{
			Node:    n,
			Service: service,
			Cause:   fmt.Sprintf("unsupported action %q", options.Action),
		}
	}

	cmd := fmt.Sprintf("sudo systemctl %s %s", options.Action, service)
	if _, err := s.RunCommand(ctx, n, cmd, options.ConnectionOpts); err != nil {
		return &node.ErrFailedToRunSystemctlOnNode{
			Node:    n,
			Service: service,
			Cause:   err.Error(),
		}
	}
	return nil
}

func (s *ssh) IsServiceActive(ctx context.Context, n node.Node, service string, options node.ConnectionOpts) (bool, error) {
	// is-active exits non-zero for anything but active
	options.IgnoreError = true
	out, err := s.RunCommand(ctx, n, fmt.Sprintf("sudo systemctl is-active %s", service), options)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "active", nil
}

func (s *ssh) RebootNode(n node.Node, options node.RebootNodeOpts) error {
	addr, err := s.getAddrToConnect(n, options.ConnectionOpts)
	if err != nil {
		return &node.ErrFailedToRebootNode{
			Node:  n,
			Cause: fmt.Sprintf("failed to get node address due to: %v", err),
		}
	}

	rebootCmd := "sudo reboot"
	if options.Force {
		rebootCmd = rebootCmd + " -f"
	}

	t := func() (interface{}, error) {
		return s.doCmd(context.Background(), addr, rebootCmd, true)
	}

	if _, err := task.DoRetryWithTimeout(t, options.Timeout, options.TimeBeforeRetry); err != nil {
		return &node.ErrFailedToRebootNode{
			Node:  n,
			Cause: err.Error(),
		}
	}
	s.forgetAddr(n)
	return nil
}

func (s *ssh) doCmd(ctx context.Context, addr string, cmd string, ignoreErr bool) (string, error) {
	connection, err := ssh_pkg.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(s.port)), s.sshConfig)
	if err != nil {
		return "", &node.ErrFailedToRunCommand{
			Addr:  addr,
			Cause: fmt.Sprintf("failed to dial: %v", err),
		}
	}
	defer connection.Close()

	session, err := connection.NewSession()
	if err != nil {
		return "", &node.ErrFailedToRunCommand{
			Addr:  addr,
			Cause: fmt.Sprintf("failed to create session: %s", err),
		}
	}
	defer session.Close()

	modes := ssh_pkg.TerminalModes{
		ssh_pkg.ECHO:          0,     // disable echoing
		ssh_pkg.TTY_OP_ISPEED: 14400, // input speed = 14.4kbaud
		ssh_pkg.TTY_OP_OSPEED: 14400, // output speed = 14.4kbaud
	}

	// a pty ties the remote process to the session so closing it stops long running commands
	if err := session.RequestPty("xterm", 80, 40, modes); err != nil {
		return "", &node.ErrFailedToRunCommand{
			Addr:  addr,
			Cause: fmt.Sprintf("request for pseudo terminal failed: %s", err),
		}
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	if err := session.Start(cmd); err != nil {
		return "", &node.ErrFailedToRunCommand{
			Addr:  addr,
			Cause: fmt.Sprintf("failed to start command: %v", err),
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh_pkg.SIGKILL)
		session.Close()
		<-done
		return out.String(), &node.ErrFailedToRunCommand{
			Addr:  addr,
			Cause: fmt.Sprintf("command %q cancelled: %v", cmd, ctx.Err()),
		}
	}

	if !ignoreErr && err != nil {
		return out.String(), &node.ErrFailedToRunCommand{
			Addr:  addr,
			Cause: fmt.Sprintf("failed to run command due to: %v. Output: %s", err, out.String()),
		}
	}
	return out.String(), nil
}

func (s *ssh) getAddrToConnect(n node.Node, options node.ConnectionOpts) (string, error) {
	if len(n.Addresses) == 0 {
		return "", fmt.Errorf("no address available to connect")
	}

	s.addrLock.Lock()
	addr, ok := s.usableAddrs[n.ID]
	s.addrLock.Unlock()
	if ok {
		return addr, nil
	}

	return s.getOneUsableAddr(n, options)
}

func (s *ssh) getOneUsableAddr(n node.Node, options node.ConnectionOpts) (string, error) {
	timeout := options.Timeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	retry := options.TimeBeforeRetry
	if retry == 0 {
		retry = defaultRetryInterval
	}

	for _, addr := range n.Addresses {
		addr := addr
		t := func() (interface{}, error) {
			return s.doCmd(context.Background(), addr, "hostname", false)
		}
		if _, err := task.DoRetryWithTimeout(t, timeout, retry); err == nil {
			s.addrLock.Lock()
			s.usableAddrs[n.ID] = addr
			s.addrLock.Unlock()
			return addr, nil
		}
	}
	return "", fmt.Errorf("no usable address found. Tried: %v. "+
		"Ensure you have setup the nodes for ssh access", n.Addresses)
}

func (s *ssh) forgetAddr(n node.Node) {
	s.addrLock.Lock()
	defer s.addrLock.Unlock()
	delete(s.usableAddrs, n.ID)
}

func newDriver() *ssh {
	return &ssh{
		Driver:      node.NotSupportedDriver,
		username:    DefaultUsername,
		port:        DefaultSSHPort,
		usableAddrs: make(map[string]string),
	}
}

func init() {
	node.Register(DriverName, newDriver())
}
