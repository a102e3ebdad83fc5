// Copyright 2024 The Htdeploy Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// LoadFile parses path and returns one Site per [section] block, in
// declaration order.
func LoadFile(path string) ([]*Site, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, htderrors.New(htderrors.KindConfig, path, err)
	}

	var sites []*Site
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection && !sec.HasKey("remote") {
			continue
		}
		site, err := decodeSite(sec)
		if err != nil {
			return nil, htderrors.New(htderrors.KindConfig, fmt.Sprintf("%s[%s]", path, sec.Name()), err)
		}
		sites = append(sites, site)
	}
	if len(sites) == 0 {
		return nil, htderrors.Newf(htderrors.KindConfig, "%s declares no deployment sites", path)
	}
	return sites, nil
}

func decodeSite(sec *ini.Section) (*Site, error) {
	site := &Site{Name: sec.Name()}

	remoteRaw := sec.Key("remote").String()
	if remoteRaw == "" {
		return nil, htderrors.Newf(htderrors.KindConfig, "missing required key \"remote\"")
	}
	remote, err := ParseRemoteURL(remoteRaw)
	if err != nil {
		return nil, err
	}
	if user := sec.Key("user").String(); user != "" {
		remote.User = user
	}
	if password := sec.Key("password").String(); password != "" {
		remote.Password = password
	}
	site.Remote = remote

	site.PassiveMode = sec.Key("passiveMode").MustBool(true)
	site.LocalRoot = sec.Key("local").String()
	if site.LocalRoot == "" {
		return nil, htderrors.Newf(htderrors.KindConfig, "missing required key \"local\"")
	}
	if !filepath.IsAbs(site.LocalRoot) {
		abs, err := filepath.Abs(site.LocalRoot)
		if err != nil {
			return nil, htderrors.New(htderrors.KindConfig, "local", err)
		}
		site.LocalRoot = abs
	}

	site.TestMode = sec.Key("test").MustBool(false)
	site.AllowDelete = sec.Key("allowDelete").MustBool(true)

	site.IgnorePatterns = listValues(sec, "ignore")
	site.IncludePatterns = listValues(sec, "include")
	site.PreprocessMasks = strings.Fields(sec.Key("preprocess").String())
	site.PurgePaths = listValues(sec, "purge")
	site.UploadWorkers = sec.Key("uploadWorkers").MustInt(0)

	beforeJobs, err := parseJobs(listValues(sec, "before"))
	if err != nil {
		return nil, err
	}
	afterUploadJobs, err := parseJobs(listValues(sec, "afterUpload"))
	if err != nil {
		return nil, err
	}
	afterJobs, err := parseJobs(listValues(sec, "after"))
	if err != nil {
		return nil, err
	}
	site.BeforeJobs = beforeJobs
	site.AfterUploadJobs = afterUploadJobs
	site.AfterJobs = afterJobs

	site.ManifestName = sec.Key("deploymentFile").String()
	site.FilePermissions = sec.Key("filePermissions").String()
	site.DirPermissions = sec.Key("dirPermissions").String()

	return withDefaults(site), nil
}

// listValues collects a list-valued key in declaration order. Both the
// "name[]" spelling and repeated shadowed "name" entries are accepted;
// multi-line values contribute one element per physical line.
func listValues(sec *ini.Section, name string) []string {
	var raws []string
	if sec.HasKey(name + "[]") {
		raws = append(raws, sec.Key(name+"[]").ValueWithShadows()...)
	}
	if sec.HasKey(name) {
		raws = append(raws, sec.Key(name).ValueWithShadows()...)
	}
	var out []string
	for _, raw := range raws {
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

func defaultTempDir(siteName string) string {
	name := siteName
	if name == "" || name == ini.DefaultSection {
		name = "default"
	}
	return filepath.Join(os.TempDir(), "htdeploy-"+sanitizeForPath(name))
}

func sanitizeForPath(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
