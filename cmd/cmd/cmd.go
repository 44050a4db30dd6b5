package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/heyfey/vodabatch/config"
	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/intervalset"
	"github.com/heyfey/vodabatch/pkg/common/logger"
	"github.com/heyfey/vodabatch/pkg/common/mongo"
	"github.com/heyfey/vodabatch/pkg/common/options"
	"github.com/heyfey/vodabatch/pkg/common/rabbitmq"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/heyfey/vodabatch/pkg/scheduler"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/heyfey/vodabatch/pkg/service"
	"github.com/heyfey/vodabatch/pkg/simulator"
	"github.com/heyfey/vodabatch/pkg/workload"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

// Simulate replays a workload and writes the report.
func Simulate(c *cli.Context) error {
	if err := logger.InitLogger(c.String("verbosity"), c.String("log_file")); err != nil {
		return err
	}
	klog.InfoS(config.Msg, "version", config.Version)

	opts, err := options.Load(c.String("variant_options"), c.String("variant_options_filepath"))
	if err != nil {
		return err
	}
	w, err := workload.Load(c.String("workload"))
	if err != nil {
		return err
	}
	nbMachines := w.NbMachines
	if c.IsSet("nb_machines") {
		nbMachines = c.Int("nb_machines")
	}
	outages, err := parseOutages(c.StringSlice("outage"))
	if err != nil {
		return err
	}

	sel, err := selector.NewSelectorFactory(c.String("policy"), opts)
	if err != nil {
		return err
	}
	algo, err := algorithm.NewAlgorithmFactory(c.String("variant"), w, sel, opts)
	if err != nil {
		return err
	}

	publishers, closePublishers, err := openPublishers(c)
	if err != nil {
		return err
	}
	defer closePublishers()

	registry := prometheus.NewRegistry()
	sched, err := scheduler.NewScheduler(config.Name, algo, registry, publishers...)
	if err != nil {
		return err
	}
	sim, err := simulator.NewSimulator(w, sched, opts, nbMachines, outages...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var svc *service.Service
	if c.String("metrics_port") != "" {
		if svc, err = service.NewService(sched, registry); err != nil {
			return err
		}
	}
	serviceCtx, cancelService := context.WithCancel(ctx)
	defer cancelService()
	serviceDone := make(chan error, 1)
	if svc != nil {
		go func() {
			serviceDone <- svc.ListenAndServe(serviceCtx, net.JoinHostPort("", c.String("metrics_port")))
		}()
	}

	report, err := sim.Run(ctx)
	if err == nil {
		err = writeReport(c.App.Writer, c.String("report"), report)
	}
	if svc == nil {
		return err
	}

	if err == nil && c.Bool("linger") {
		klog.InfoS("Simulation done, serving until interrupted")
		select {
		case <-ctx.Done():
		case serviceErr := <-serviceDone:
			return serviceErr
		}
	}
	cancelService()
	if serviceErr := <-serviceDone; serviceErr != nil {
		klog.ErrorS(serviceErr, "Service failed")
	}
	return err
}

// openPublishers opens every decision sink requested on the command line.
func openPublishers(c *cli.Context) ([]decision.Publisher, func(), error) {
	var publishers []decision.Publisher
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if path := c.String("output"); path != "" {
		var out io.Writer = os.Stdout
		if path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return nil, closeAll, errors.Wrapf(err, "failed to create %s", path)
			}
			closers = append(closers, func() { f.Close() })
			out = f
		}
		publishers = append(publishers, decision.NewJSONLinesWriter(out))
	}

	if uri := c.String("mongo_uri"); uri != "" {
		session, err := mongo.ConnectMongo(uri)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, session.Close)
		recorder, err := mongo.NewRecorder(session)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		publishers = append(publishers, recorder)
	}

	if url := c.String("amqp_url"); url != "" {
		conn, err := rabbitmq.ConnectRabbitMQ(url)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, func() { conn.Close() })
		publisher, err := rabbitmq.NewPublisher(conn, config.Name)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		publishers = append(publishers, publisher)
	}
	return publishers, closeAll, nil
}

func writeReport(out io.Writer, path string, report *simulator.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	if path == "" {
		fmt.Fprintln(out, string(data))
		return nil
	}
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write report to %s", path)
	}
	return nil
}

// parseOutages parses MACHINES@START:DURATION specifications.
func parseOutages(specs []string) ([]simulator.Outage, error) {
	outages := make([]simulator.Outage, 0, len(specs))
	for _, spec := range specs {
		at := strings.LastIndex(spec, "@")
		colon := strings.LastIndex(spec, ":")
		if at < 0 || colon < at {
			return nil, errors.Errorf("invalid outage %q, expected MACHINES@START:DURATION", spec)
		}
		machines, err := intervalset.Parse(spec[:at])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid outage %q", spec)
		}
		start, err := strconv.ParseFloat(spec[at+1:colon], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid outage start in %q", spec)
		}
		duration, err := strconv.ParseFloat(spec[colon+1:], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid outage duration in %q", spec)
		}
		outages = append(outages, simulator.Outage{Machines: machines, Start: start, Duration: duration})
	}
	return outages, nil
}

// ListVariants prints the accepted variants and policies.
func ListVariants(c *cli.Context) error {
	out := c.App.Writer
	fmt.Fprintln(out, "Variants:")
	for _, v := range algorithm.Variants {
		fmt.Fprintln(out, "  "+v)
	}
	fmt.Fprintln(out, "Policies:")
	for _, p := range selector.Policies {
		fmt.Fprintln(out, "  "+p)
	}
	return nil
}

// CheckOptions validates variant options and prints the parsed values.
func CheckOptions(c *cli.Context) error {
	opts, err := options.Load(c.String("variant_options"), c.String("variant_options_filepath"))
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

// Listen prints the decisions published to rabbit-mq until interrupted.
func Listen(c *cli.Context) error {
	if err := logger.InitLogger(c.String("verbosity"), ""); err != nil {
		return err
	}
	conn, err := rabbitmq.ConnectRabbitMQ(c.String("amqp_url"))
	if err != nil {
		return err
	}
	defer conn.Close()

	msgs, err := rabbitmq.ReceiveFromQueue(conn, config.QueueDecisions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	writer := decision.NewJSONLinesWriter(c.App.Writer)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbit-mq connection closed")
			}
			if err := writer.Publish(msg.Round, msg.Decisions); err != nil {
				return err
			}
		}
	}
}

func GetStatus(c *cli.Context) error {
	resp, err := httpGet(c.String("url") + "/status")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(resp))
	return nil
}

func GetJobs(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return errors.New("Must specify job id")
	}
	// allow getting multiple jobs at once
	for _, id := range c.Args().Slice() {
		resp, err := httpGet(c.String("url") + "/jobs/" + id)
		if err != nil {
			fmt.Fprintln(c.App.Writer, err)
		} else {
			fmt.Fprintln(c.App.Writer, string(resp))
		}
	}
	return nil
}

func httpGet(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
