package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/heyfey/vodabatch/config"
	"github.com/heyfey/vodabatch/pkg/algorithm"
	"github.com/heyfey/vodabatch/pkg/common/logger"
	"github.com/heyfey/vodabatch/pkg/selector"
	"github.com/urfave/cli/v2"
)

var optionsFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "variant_options",
		Usage: "Variant options as a JSON `OBJECT`",
		Value: "{}",
	},
	&cli.StringFlag{
		Name:  "variant_options_filepath",
		Usage: "`FILE` holding the variant options, overrides --variant_options",
	},
}

var verbosityFlag = &cli.StringFlag{
	Name:  "verbosity",
	Usage: "Logging `LEVEL`: debug, info, quiet or silent",
	Value: logger.DefaultLevel,
}

var serviceURLFlag = &cli.StringFlag{
	Name:  "url",
	Usage: "`URL` of the vodabatch service",
	Value: "http://localhost:" + config.Port,
}

func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = config.Name
	app.Version = config.Version
	app.Usage = "Batch jobs scheduler"
	app.Description = config.Msg
	app.Commands = []*cli.Command{
		{
			Name:   "simulate",
			Usage:  "Replay a workload against a scheduling variant",
			Action: Simulate,
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:     "workload",
					Aliases:  []string{"w"},
					Usage:    "`FILE` of the workload to replay (JSON or YAML)",
					Required: true,
				},
				&cli.StringFlag{
					Name:    "variant",
					Aliases: []string{"v"},
					Usage:   fmt.Sprintf("Scheduling `VARIANT`, one of %s", strings.Join(algorithm.Variants, ", ")),
					Value:   algorithm.EasyBackfillingName,
				},
				&cli.StringFlag{
					Name:    "policy",
					Aliases: []string{"p"},
					Usage:   fmt.Sprintf("Resource selection `POLICY`, one of %s", strings.Join(selector.Policies, ", ")),
					Value:   selector.PolicyBasic,
				},
				&cli.IntFlag{
					Name:  "nb_machines",
					Usage: "Number of machines of the platform, overrides the workload",
				},
				&cli.StringSliceFlag{
					Name:  "outage",
					Usage: "Withdraw machines for a while, as `MACHINES@START:DURATION` (e.g. 0-3@100:50)",
				},
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "`FILE` to write the decisions to as JSON lines, - for stdout",
				},
				&cli.StringFlag{
					Name:  "report",
					Usage: "`FILE` to write the simulation report to, stdout if unset",
				},
				&cli.StringFlag{
					Name:  "metrics_port",
					Usage: "Serve /metrics and /status on `PORT` while simulating",
				},
				&cli.BoolFlag{
					Name:  "linger",
					Usage: "Keep serving after the simulation until interrupted",
				},
				&cli.StringFlag{
					Name:  "mongo_uri",
					Usage: "Record the decisions in mongodb at `URI`",
				},
				&cli.StringFlag{
					Name:  "amqp_url",
					Usage: "Publish the decisions to rabbit-mq at `URL`",
				},
				&cli.StringFlag{
					Name:  "log_file",
					Usage: "Also write logs to `FILE`",
				},
				verbosityFlag,
			}, optionsFlags...),
		},
		{
			Name:   "variants",
			Usage:  "List the scheduling variants and the resource selection policies",
			Action: ListVariants,
		},
		{
			Name:   "check-options",
			Usage:  "Validate variant options and print them",
			Action: CheckOptions,
			Flags:  optionsFlags,
		},
		{
			Name:   "listen",
			Usage:  "Print the decisions published to rabbit-mq as JSON lines",
			Action: Listen,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "amqp_url",
					Usage:    "`URL` of rabbit-mq",
					Required: true,
				},
				verbosityFlag,
			},
		},
		{
			Name:  "get",
			Usage: "Query a running service",
			Subcommands: []*cli.Command{
				{
					Name:   "status",
					Usage:  "Print the state of the scheduler",
					Action: GetStatus,
					Flags:  []cli.Flag{serviceURLFlag},
				},
				{
					Name:      "job",
					Usage:     "Print the status of jobs",
					ArgsUsage: "JOB_ID...",
					Action:    GetJobs,
					Flags:     []cli.Flag{serviceURLFlag},
				},
			},
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))
	return app
}
