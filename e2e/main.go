// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command e2e is a load generator for manual end-to-end testing. It
// opens a manager for the configured backend, registers a few
// pipelines with a configurable failure rate, and keeps enqueueing
// runs until interrupted.
//
// The backend is selected via flags, e.g.
//
//	e2e -backend sqlite -database /tmp/pipequeue_e2e.db
//	e2e -backend redis -host localhost -port 6379
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olivere/pipequeue"
	_ "github.com/olivere/pipequeue/redis"
	_ "github.com/olivere/pipequeue/sqlstore"
)

func main() {
	var (
		backend         = flag.String("backend", "memory", "backend type, one of "+strings.Join(pipequeue.ValidBackendTypes(), ", "))
		host            = flag.String("host", "", "backend host")
		port            = flag.Int("port", 0, "backend port")
		username        = flag.String("username", "", "backend username")
		password        = flag.String("password", "", "backend password")
		database        = flag.String("database", "", "backend database (or file path for sqlite)")
		concurrency     = flag.Int("c", 2, "maximum number of workers")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxAttempts     = flag.Int("max-attempts", 3, "maximum number of attempts per job")
		pipelinesList   = flag.String("pipelines", "a,b,c", "comma-separated list of pipeline names")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rand.Seed(time.Now().UnixNano())

	backendType, err := pipequeue.ParseBackendType(*backend)
	if err != nil {
		log.Fatal(err)
	}
	settings := pipequeue.DefaultSettings()
	settings.Backend = backendType
	settings.Host = *host
	settings.Port = *port
	settings.Username = *username
	settings.Password = *password
	settings.Database = *database
	settings.Concurrency = *concurrency
	settings.Retry = &pipequeue.RetryPolicy{
		MaxAttempts: *maxAttempts,
		BaseDelay:   time.Second,
		Retryable:   []pipequeue.FailureClass{pipequeue.AnyFailure},
	}

	m, err := pipequeue.Open(settings)
	if err != nil {
		log.Fatal(err)
	}
	s := pipequeue.NewScheduler(m, pipequeue.SchedulerSettings(settings))

	// Register the pipelines
	pipelines := strings.SplitN(*pipelinesList, ",", -1)
	for _, pipeline := range pipelines {
		err := s.Register(pipeline, makePipeline(*failureRate, *runTime))
		if err != nil {
			log.Fatal(err)
		}
	}

	err = s.Start(context.Background())
	if err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	// Enqueue pipeline runs
	go func() {
		errc <- enqueuer(s, pipelines, *fillTime)
	}()

	// Print stats
	go stats(m, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		if e, ok := m.(*pipequeue.Engine); ok {
			errc <- e.CloseWithTimeout(*shutdownTimeout)
		} else {
			errc <- m.Close()
		}
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

func enqueuer(s *pipequeue.Scheduler, pipelines []string, fillTime time.Duration) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		pipeline := pipelines[rand.Intn(len(pipelines))]
		cnt++
		_, err := s.EnqueuePipeline(context.Background(), pipeline,
			pipequeue.WithArgs(fmt.Sprintf("#%05d", cnt)),
		)
		if err != nil {
			return err
		}
	}
}

func stats(m pipequeue.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	ctx := context.Background()
	for range t.C {
		var pending int
		queues, err := m.ListQueues(ctx)
		if err != nil {
			continue
		}
		for _, q := range queues {
			pending += q.Pending
		}
		succeeded, _ := m.ListJobs(ctx, &pipequeue.JobFilter{Status: pipequeue.Succeeded})
		failed, _ := m.ListJobs(ctx, &pipequeue.JobFilter{Status: pipequeue.Failed})
		fmt.Printf("Pending=%6d Succeeded=%6d Failed=%6d\n",
			pending, len(succeeded), len(failed))
	}
}

func makePipeline(failureRate float64, runTime time.Duration) pipequeue.Pipeline {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		select {
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rand.Float64() < failureRate {
			return nil, errors.New("pipeline failed")
		}
		return nil, nil
	}
}
