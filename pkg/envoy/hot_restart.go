package envoy

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/zap"
)

// RestartEpochEnv is set for every child started by HotRestarter,
// "envoy run" passes it to envoy as --restart-epoch.
const RestartEpochEnv = "RESTART_EPOCH"

const DefaultTermWait = 30 * time.Second

var ErrChildFailed = errors.New("child process exited abnormally")

// HotRestarter supervises envoy processes the way envoy's
// hot-restarter.py does:
//
//	SIGHUP           start a new child with the next restart epoch
//	SIGUSR1          forwarded to every child
//	SIGTERM, SIGINT  terminate all children and return
//
// A child exiting with non-zero status makes the restarter kill the
// others and return ErrChildFailed. Run returns nil after the last
// child exits cleanly.
type HotRestarter struct {
	// Command is the child command line, e.g. ["mygw", "envoy", "run", "-c", "./conf"].
	Command []string

	// TermWait bounds the wait for children to exit after SIGTERM,
	// remaining children are killed.
	TermWait time.Duration

	log *zap.SugaredLogger

	epoch    int
	children map[int]*exec.Cmd
	exited   chan childExit
	done     chan struct{}
}

type childExit struct {
	pid int
	err error
}

func NewHotRestarter(command []string) *HotRestarter {
	return &HotRestarter{
		Command:  command,
		TermWait: DefaultTermWait,
		log:      zlog.Named("hotRestarter").Sugar(),
	}
}

// Run starts the first child and handles signals until the children are
// gone. Cancelling ctx behaves like SIGTERM.
func (p *HotRestarter) Run(ctx context.Context, signals <-chan os.Signal) error {
	if len(p.Command) == 0 {
		return errors.New("hot restarter: empty command")
	}
	p.children = make(map[int]*exec.Cmd)
	p.exited = make(chan childExit)
	p.done = make(chan struct{})
	defer close(p.done)

	p.log.Infof("starting hot restarter with command: %v", p.Command)
	if err := p.forkAndExec(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			p.log.Warnf("context done, terminating children")
			return p.termAllChildren()
		case sig := <-signals:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				p.log.Warnf("got %v", sig)
				return p.termAllChildren()
			case syscall.SIGHUP:
				p.log.Infof("got SIGHUP")
				if err := p.forkAndExec(); err != nil {
					p.forceKillAllChildren()
					return err
				}
			case syscall.SIGUSR1:
				p.signalAll(syscall.SIGUSR1)
			}
		case x := <-p.exited:
			delete(p.children, x.pid)
			if x.err != nil {
				p.log.Warnf("PID=%d exited abnormally: %v, force killing all child processes", x.pid, x.err)
				p.forceKillAllChildren()
				return errors.WithMessagef(ErrChildFailed, "pid %d: %v", x.pid, x.err)
			}
			p.log.Infof("PID=%d exited with code=0", x.pid)
			if len(p.children) == 0 {
				p.log.Warnf("exiting due to lack of child processes")
				return nil
			}
		}
	}
}

func (p *HotRestarter) forkAndExec() error {
	epoch := p.epoch
	p.log.Infof("starting new child process at epoch %d", epoch)

	cmd := exec.Command(p.Command[0], p.Command[1:]...)
	cmd.Env = setEnv(os.Environ(), RestartEpochEnv, strconv.Itoa(epoch))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errors.WithMessagef(err, "start child at epoch %d", epoch)
	}
	p.epoch++

	pid := cmd.Process.Pid
	p.children[pid] = cmd
	go func() {
		err := cmd.Wait()
		select {
		case p.exited <- childExit{pid: pid, err: err}:
		case <-p.done:
		}
	}()
	p.log.Infof("started child process with PID=%d", pid)
	return nil
}

func (p *HotRestarter) signalAll(sig os.Signal) {
	for pid, cmd := range p.children {
		p.log.Infof("sending %v to PID=%d", sig, pid)
		if err := cmd.Process.Signal(sig); err != nil {
			p.log.Errorf("error sending %v to PID=%d, continuing, err= %v", sig, pid, err)
		}
	}
}

func (p *HotRestarter) termAllChildren() error {
	p.signalAll(syscall.SIGTERM)

	timer := time.NewTimer(p.TermWait)
	defer timer.Stop()
	for len(p.children) > 0 {
		select {
		case x := <-p.exited:
			delete(p.children, x.pid)
		case <-timer.C:
			pids := make([]int, 0, len(p.children))
			for pid := range p.children {
				pids = append(pids, pid)
			}
			p.log.Warnf("children %v did not exit cleanly, killing", pids)
			p.forceKillAllChildren()
			return errors.WithMessagef(ErrChildFailed, "children %v killed after %v", pids, p.TermWait)
		}
	}
	p.log.Infof("all children exited cleanly")
	return nil
}

func (p *HotRestarter) forceKillAllChildren() {
	for pid, cmd := range p.children {
		p.log.Infof("force killing PID=%d", pid)
		if err := cmd.Process.Kill(); err != nil {
			p.log.Errorf("error force killing PID=%d, continuing, err= %v", pid, err)
		}
	}
	p.children = make(map[int]*exec.Cmd)
}

func setEnv(envList []string, name, value string) []string {
	prefix := name + "="
	for i, s := range envList {
		if strings.HasPrefix(s, prefix) {
			envList[i] = prefix + value
			return envList
		}
	}
	return append(envList, prefix+value)
}
