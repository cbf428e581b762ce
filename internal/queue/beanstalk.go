// ABOUTME: Beanstalkd implementation of the queue client.
// ABOUTME: Watches a single tube and publishes to arbitrary tubes over one connection.

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/sirupsen/logrus"
)

// BeanstalkConfig holds connection and publish settings
type BeanstalkConfig struct {
	Addr     string
	Watch    string
	Priority uint32
	TTR      time.Duration

	// ReserveTimeout bounds each reserve call so context cancellation is observed
	ReserveTimeout time.Duration
}

// BeanstalkClient implements Client against a beanstalkd server
type BeanstalkClient struct {
	conn   *beanstalk.Conn
	watch  *beanstalk.TubeSet
	tubes  map[string]*beanstalk.Tube
	config BeanstalkConfig
	logger *logrus.Logger

	// go-beanstalk connections are not safe for concurrent use
	mutex sync.Mutex
}

// NewBeanstalkClient dials the server and watches the configured tube
func NewBeanstalkClient(config BeanstalkConfig, logger *logrus.Logger) (*BeanstalkClient, error) {
	if config.Priority == 0 {
		config.Priority = 1024
	}
	if config.TTR <= 0 {
		config.TTR = 30 * time.Minute
	}
	if config.ReserveTimeout <= 0 {
		config.ReserveTimeout = 5 * time.Second
	}

	conn, err := beanstalk.Dial("tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %v", ErrUnreachable, config.Addr, err)
	}

	client := &BeanstalkClient{
		conn:   conn,
		tubes:  make(map[string]*beanstalk.Tube),
		config: config,
		logger: logger,
	}
	if config.Watch != "" {
		client.watch = beanstalk.NewTubeSet(conn, config.Watch)
	}

	logger.WithFields(logrus.Fields{
		"addr":  config.Addr,
		"watch": config.Watch,
		"ttr":   config.TTR,
	}).Info("Connected to beanstalkd")

	return client, nil
}

// Reserve blocks until a job arrives on the watched tube
func (b *BeanstalkClient) Reserve(ctx context.Context) (*Job, error) {
	if b.watch == nil {
		return nil, errors.New("beanstalk client is not watching any tube")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mutex.Lock()
		id, body, err := b.watch.Reserve(b.config.ReserveTimeout)
		b.mutex.Unlock()

		switch {
		case err == nil:
			return &Job{ID: id, Tube: b.config.Watch, Body: body}, nil
		case isConnErr(err, beanstalk.ErrTimeout), isConnErr(err, beanstalk.ErrDeadline):
			continue
		default:
			return nil, fmt.Errorf("%w: reserve on %s: %v", ErrUnreachable, b.config.Watch, err)
		}
	}
}

// Delete acknowledges a job. A job the server no longer knows about is
// already gone, which is the outcome the caller asked for.
func (b *BeanstalkClient) Delete(ctx context.Context, job *Job) error {
	b.mutex.Lock()
	err := b.conn.Delete(job.ID)
	b.mutex.Unlock()

	if err == nil || isConnErr(err, beanstalk.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("%w: delete job %d: %v", ErrUnreachable, job.ID, err)
}

// Put publishes a payload on the named tube
func (b *BeanstalkClient) Put(ctx context.Context, body []byte, tube string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	t, ok := b.tubes[tube]
	if !ok {
		t = beanstalk.NewTube(b.conn, tube)
		b.tubes[tube] = t
	}

	id, err := t.Put(body, b.config.Priority, 0, b.config.TTR)
	if err != nil {
		return fmt.Errorf("%w: put on %s: %v", ErrUnreachable, tube, err)
	}

	b.logger.WithFields(logrus.Fields{
		"tube":   tube,
		"job_id": id,
	}).Debug("Published job")
	return nil
}

func (b *BeanstalkClient) Close() error {
	return b.conn.Close()
}

func isConnErr(err, target error) bool {
	var connErr beanstalk.ConnError
	if errors.As(err, &connErr) {
		return connErr.Err == target
	}
	return errors.Is(err, target)
}
