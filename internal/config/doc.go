// Package config defines the build settings shared by every pipeline step and
// provides helpers to load, validate and save them in YAML format.
//
// A Config is created once at process start; steps receive it by pointer and
// never modify it.
package config
