// Package config reads the adapter's settings file and the launch
// configuration supplied by the IDE.
package config

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/dshills/mcudap/internal/protocol"
)

// Launch is the subset of a launch request payload the engine consumes. The
// payload itself is IDE-specific; unknown fields pass through untouched in
// Raw.
type Launch struct {
	// ProjectPath is the root of the project being debugged.
	ProjectPath string

	// SerialEndpoint is the host:port of the device's serial bridge.
	SerialEndpoint string

	// BuildOutput is the binary to deploy.
	BuildOutput string

	// DebugPort overrides the port portion of SerialEndpoint when set.
	DebugPort int

	// Assets are extra files deployed alongside the binary.
	Assets []string

	// Raw is the untouched payload, for logging and pass-through.
	Raw json.RawMessage
}

// ParseLaunch extracts the launch configuration from the request body.
// Fields are looked up under both their bare names and a "configuration"
// object, matching how IDE clients nest adapter settings.
func ParseLaunch(body json.RawMessage) (Launch, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Launch{}, protocol.Errorf(protocol.CodeBuildOutputMissing, "launch: empty or invalid configuration")
	}

	launch := Launch{
		ProjectPath:    field(body, "projectPath"),
		SerialEndpoint: field(body, "serialEndpoint"),
		BuildOutput:    field(body, "buildOutputPath"),
		Raw:            body,
	}

	if port := fieldResult(body, "debugPort"); port.Exists() {
		launch.DebugPort = int(port.Int())
	}

	if assets := fieldResult(body, "assets"); assets.IsArray() {
		for _, a := range assets.Array() {
			if s := a.String(); s != "" {
				launch.Assets = append(launch.Assets, s)
			}
		}
	}

	if launch.BuildOutput == "" {
		return Launch{}, protocol.Errorf(protocol.CodeBuildOutputMissing, "launch: buildOutputPath not set")
	}
	if launch.SerialEndpoint == "" {
		return Launch{}, protocol.Errorf(protocol.CodeConnectionFailed, "launch: serialEndpoint not set")
	}

	return launch, nil
}

// field returns a string value found at path or configuration.path.
func field(body json.RawMessage, path string) string {
	return fieldResult(body, path).String()
}

func fieldResult(body json.RawMessage, path string) gjson.Result {
	if res := gjson.GetBytes(body, path); res.Exists() {
		return res
	}
	return gjson.GetBytes(body, "configuration."+path)
}
