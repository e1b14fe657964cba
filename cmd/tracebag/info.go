// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/grailbio/base/must"
	"github.com/grailbio/tracebag/bag"
	"gopkg.in/yaml.v3"
)

type containerInfo struct {
	Path     string           `json:"path"`
	Baked    bool             `json:"baked"`
	Toasted  bool             `json:"toasted"`
	Sections map[string]int64 `json:"sections"`
	Metadata bag.Metadata     `json:"metadata"`
}

func describe(f *bag.File) containerInfo {
	info := containerInfo{
		Path:     f.Path(),
		Baked:    f.Baked(),
		Toasted:  f.Toasted(),
		Sections: make(map[string]int64),
		Metadata: f.Metadata(),
	}
	for _, s := range bag.Sections() {
		if size := f.SectionSize(s); size >= 0 {
			info.Sections[s.String()] = size
		}
	}
	return info
}

// writeInfo writes info to w in the given format. YAML output is
// derived from the JSON encoding so that both use the same keys.
func writeInfo(w io.Writer, info containerInfo, format string) error {
	b, err := json.MarshalIndent(info, "", "\t")
	if err != nil {
		return err
	}
	if format == "json" {
		b = append(b, '\n')
		_, err = w.Write(b)
		return err
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func info(args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	format := fs.String("format", "yaml", "output format, json or yaml")
	must.Nil(fs.Parse(args))
	if *format != "json" && *format != "yaml" {
		usage("info", "unknown format "+*format)
	}
	f := open("info", fs.Args(), 1, bag.ReadOnly)
	ci := describe(f)
	must.Nil(f.Close(), "info")
	must.Nil(writeInfo(os.Stdout, ci, *format), "info")
	return 0
}
