package config

import (
	"fmt"
	"reflect"
	"strings"
)

// Change records one differing config path.
type Change struct {
	Path string
	// Breaking changes cannot be applied in place and require a restart.
	Breaking bool
}

func (c Change) String() string {
	if c.Breaking {
		return c.Path + " (restart required)"
	}
	return c.Path
}

// breakingPrefixes lists config paths that cannot be reconciled on a live
// process: the listener address and transport credentials.
var breakingPrefixes = []string{
	"gateway.host",
	"gateway.port",
	"gateway.auth",
	"channels.telegram.botToken",
	"channels.telegram.enabled",
	"channels.cli.enabled",
	"sessions.driver",
	"sessions.path",
	"tracing.endpoint",
}

// Diff compares two configurations and reports changed paths. Everything not
// marked breaking is applied in place by the daemon's reconcile pass.
func Diff(old, new *Config) []Change {
	var changes []Change
	diffValue(reflect.ValueOf(*old), reflect.ValueOf(*new), "", &changes)
	return changes
}

func diffValue(old, new reflect.Value, path string, out *[]Change) {
	if old.Kind() == reflect.Struct {
		t := old.Type()
		for i := 0; i < t.NumField(); i++ {
			name := t.Field(i).Tag.Get("yaml")
			if idx := strings.Index(name, ","); idx >= 0 {
				name = name[:idx]
			}
			if name == "" {
				name = t.Field(i).Name
			}
			child := name
			if path != "" {
				child = path + "." + name
			}
			diffValue(old.Field(i), new.Field(i), child, out)
		}
		return
	}
	if old.Kind() == reflect.Map {
		keys := map[string]bool{}
		for _, k := range old.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = true
		}
		for _, k := range new.MapKeys() {
			keys[fmt.Sprint(k.Interface())] = true
		}
		for key := range keys {
			kv := reflect.ValueOf(key)
			ov, nv := old.MapIndex(kv), new.MapIndex(kv)
			child := path + "." + key
			switch {
			case !ov.IsValid() || !nv.IsValid():
				record(out, child)
			case !reflect.DeepEqual(ov.Interface(), nv.Interface()):
				record(out, child)
			}
		}
		return
	}
	if !reflect.DeepEqual(old.Interface(), new.Interface()) {
		record(out, path)
	}
}

func record(out *[]Change, path string) {
	change := Change{Path: path}
	for _, prefix := range breakingPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+".") {
			change.Breaking = true
			break
		}
	}
	*out = append(*out, change)
}

// HasBreaking reports whether any change requires a restart.
func HasBreaking(changes []Change) bool {
	for _, c := range changes {
		if c.Breaking {
			return true
		}
	}
	return false
}
