package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/erh/vmodutils"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/utils"

	arbundletracker "arbundletracker"
	"arbundletracker/models"
)

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("bundle-tracker"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	startup, err := arbundletracker.ParseArgs(args[1:])
	if errors.Is(err, arbundletracker.ErrUsage) {
		fmt.Println(arbundletracker.Usage)
		return nil
	}
	if err != nil {
		return err
	}

	cfg := startup.Config(os.Getenv("AR_DETECTOR_NAME"))

	robotClient, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return err
	}
	defer robotClient.Close(ctx)

	cfg.CameraFrame, err = arbundletracker.CameraFrame(ctx, robotClient, cfg.CameraName)
	if err != nil {
		return err
	}
	if cfg.OutputFrame == "" {
		cfg.OutputFrame = cfg.CameraFrame
	}
	required, _, err := cfg.Validate("")
	if err != nil {
		return err
	}

	deps := resource.Dependencies{}
	for _, name := range required {
		res, err := findResource(robotClient, name)
		if err != nil {
			return err
		}
		deps[res.Name()] = res
	}

	thing, err := models.NewBundleTrackerWithTransformer(ctx, deps, genericservice.Named("bundle-tracker"), cfg, robotClient, logger)
	if err != nil {
		return err
	}
	defer thing.Close(context.Background())

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			resp, err := thing.DoCommand(ctx, map[string]interface{}{"command": "get-position-and-orientation"})
			if err != nil {
				logger.Warnf("Query failed: %v", err)
				continue
			}
			logger.Infof("Markers: %v", resp["markers"])
		}
	}
}

// findResource looks a dependency up as a camera, then a generic component, then a
// generic service.
func findResource(robotClient interface {
	ResourceByName(resource.Name) (resource.Resource, error)
}, name string) (resource.Resource, error) {
	var firstErr error
	for _, rn := range []resource.Name{camera.Named(name), generic.Named(name), genericservice.Named(name)} {
		res, err := robotClient.ResourceByName(rn)
		if err == nil {
			return res, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("failed to find %q on the machine: %w", name, firstErr)
}
