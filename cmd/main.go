package main

import (
	"os"

	"github.com/heyfey/vodabatch/cmd/cmd"
	"k8s.io/klog/v2"
)

func main() {
	app := cmd.NewApp()
	err := app.Run(os.Args)
	klog.Flush()
	if err != nil {
		klog.ErrorS(err, "Failed")
		klog.Flush()
		os.Exit(1)
	}
}
