package main

import (
	"arbundletracker/models"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: models.ModelBundleTracker},
		resource.APIModel{API: camera.API, Model: models.ModelMarkerOverlay},
	)
}
