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

// Package commands defines and implements the htdeploy command line,
// built with Cobra.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dgrijalva-labs/htdeploy/internal/config"
	"github.com/dgrijalva-labs/htdeploy/internal/deploy"
	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
	"github.com/dgrijalva-labs/htdeploy/internal/loggers"
	"github.com/dgrijalva-labs/htdeploy/internal/server"
)

// commandError distinguishes a user-caused failure (bad flags, bad
// config) from a system failure, for exit-code mapping.
type commandError struct {
	s         string
	userError bool
}

func (e commandError) Error() string { return e.s }
func (e commandError) isUserError() bool { return e.userError }

func newUserErrorF(format string, a ...interface{}) commandError {
	return commandError{s: fmt.Sprintf(format, a...), userError: true}
}

var userErrorRegexp = regexp.MustCompile("argument|flag|shorthand")

func isUserError(err error) bool {
	if cErr, ok := err.(commandError); ok {
		return cErr.isUserError()
	}
	return userErrorRegexp.MatchString(err.Error())
}

var (
	flagTest           bool
	flagFull           bool
	flagNoProgress     bool
	flagVerbose        bool
	flagAllowLockBreak bool
)

// HtdeployCmd is the root command.
var HtdeployCmd = &cobra.Command{
	Use:   "htdeploy [config-files...]",
	Short: "Incrementally and atomically deploy a local directory tree to a remote site",
	Long: `htdeploy compares a local directory tree against a server-side
content-hash manifest, uploads only changed files to staging names, and
then atomically switches the deployment live.`,
	RunE: runDeploy,
}

func init() {
	initDeployFlags(HtdeployCmd.Flags())
	HtdeployCmd.AddCommand(versionCmd)
}

func initDeployFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&flagTest, "test", "t", false, "print the diff and exit without deploying")
	flags.BoolVar(&flagFull, "full", false, "redeploy every file regardless of hash equality")
	flags.BoolVar(&flagNoProgress, "no-progress", false, "suppress per-file progress bars")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
	flags.BoolVar(&flagAllowLockBreak, "allow-lock-break", false, "forcibly remove a stale deployment lock")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return newUserErrorF("at least one config file is required")
	}

	log := loggers.New(os.Stdout, flagVerbose, flagNoProgress)
	// An interrupt before the commit rename cancels the run and rolls
	// back; after it, cleanup is best-effort and the deployment stands.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, path := range args {
		sites, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		for _, site := range sites {
			if flagTest {
				site.TestMode = true
			}
			if flagFull {
				site.Redeploy = true
			}

			dialer := dialerFor(site)
			d := deploy.New(site, dialer, log, flagAllowLockBreak)

			log.Phase(fmt.Sprintf("Deploying %s (%s)", site.Name, path))
			if _, err := d.Run(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// dialerFor returns a fresh, unconnected Server constructor for
// site's remote, selecting the driver by URL scheme.
func dialerFor(site *config.Site) server.Dialer {
	prompt := func(promptText string) (string, error) {
		return readPassword(promptText)
	}
	return func() (server.Server, error) {
		switch site.Remote.Scheme {
		case "file":
			return server.NewLocal(site.Remote.Path, filePerm(site), dirPerm(site)), nil
		case "ftp":
			return server.NewFTP(server.FTPConfig{
				Host: site.Remote.Host, Port: site.Remote.Port,
				User: site.Remote.User, Password: site.Remote.Password,
				BaseDir: site.Remote.Path, PassiveMode: site.PassiveMode,
				Prompt: prompt, Timeout: site.ConnectTimeout,
			}), nil
		case "ftps":
			return server.NewFTP(server.FTPConfig{
				Host: site.Remote.Host, Port: site.Remote.Port,
				User: site.Remote.User, Password: site.Remote.Password,
				BaseDir: site.Remote.Path, PassiveMode: site.PassiveMode, TLS: true,
				Prompt: prompt, Timeout: site.ConnectTimeout,
			}), nil
		case "sftp":
			return server.NewSFTP(server.SFTPConfig{
				Host: site.Remote.Host, Port: site.Remote.Port,
				User: site.Remote.User, Password: site.Remote.Password,
				BaseDir: site.Remote.Path, Prompt: prompt, Timeout: site.ConnectTimeout,
				FilePerm: filePerm(site), DirPerm: dirPerm(site),
			}), nil
		default:
			return nil, htderrors.Newf(htderrors.KindConfig, "unsupported remote scheme %q", site.Remote.Scheme)
		}
	}
}

func filePerm(site *config.Site) os.FileMode {
	m, _ := server.ParseOctal(site.FilePermissions)
	return m
}

func dirPerm(site *config.Site) os.FileMode {
	m, _ := server.ParseOctal(site.DirPermissions)
	return m
}

// Execute runs the root command and returns the process exit code.
func Execute(args []string) int {
	HtdeployCmd.SetArgs(args)
	err := HtdeployCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	code := htderrors.ExitCode(err)
	if code == 1 && isUserError(err) {
		// Cobra's own flag/argument failures carry no typed kind.
		return 2
	}
	return code
}
