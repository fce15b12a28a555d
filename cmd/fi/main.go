package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"fleetinspect/internal/app"
	"fleetinspect/internal/cache"
	"fleetinspect/internal/capture"
	"fleetinspect/internal/config"
	"fleetinspect/internal/db"
	"fleetinspect/internal/domain"
	"fleetinspect/internal/engine"
	"fleetinspect/internal/events"
	"fleetinspect/internal/server"
	"fleetinspect/internal/syncq"
	"fleetinspect/pkg/log"
)

var logOpts = log.NewOptions()

var rootCmd = &cobra.Command{
	Use:   "fi",
	Short: "Fleet vehicle inspection CLI",
	Long: `fi walks a driver through a vehicle inspection against the fleet backend.
- Start: pick a vehicle (fi vehicles, fi start) and record the driver's documents (fi driver).
- Checklist: mark each item good, regular, bad or na; bad items may need a photo (fi mark, fi next, fi back).
- Finish: sign (fi sign) and complete (fi finish). Every change is queued locally and replayed when the backend is reachable (fi sync).
- The session survives restarts for a day; fi cache and fi log tail show what is stored.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLEETINSPECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/"+config.FileName+")")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	logOpts.AddFlags(rootCmd.PersistentFlags())
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(vehiclesCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(driverCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(markCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(backCmd())
	rootCmd.AddCommand(observeCmd())
	rootCmd.AddCommand(captureCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(finishCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var remoteURL string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.FileName,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(remoteURL)), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "fleet backend URL")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Remote.Password != "" {
				shown.Remote.Password = "********"
			}
			if shown.Server.JWTSecret != "" {
				shown.Server.JWTSecret = "********"
			}
			return printJSON(shown)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireRemote(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func vehiclesCmd() *cobra.Command {
	var search string
	var recent bool
	var limit int
	cmd := &cobra.Command{
		Use:   "vehicles",
		Short: "List vehicles available for inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				var list engine.VehicleList
				var err error
				if recent {
					list, err = a.Engine.RecentVehicles(ctx, limit)
				} else {
					list, err = a.Engine.Vehicles(ctx, search, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				if list.Stale {
					fmt.Println("offline: showing the last cached list")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Plate", "Model", "Last inspection", "Due", "Draft"})
				for _, v := range list.Vehicles {
					tw.AppendRow(table.Row{v.ID, v.Name, v.LicensePlate, v.Model, v.LastInspectionDate, yesNo(v.InspectionDue), yesNo(v.HasDraftInspection)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "name or plate filter")
	cmd.Flags().BoolVar(&recent, "recent", false, "list recently inspected vehicles")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func startCmd() *cobra.Command {
	var vehicleID, driverID int64
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a draft inspection for a vehicle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if vehicleID <= 0 {
				return fmt.Errorf("--vehicle required")
			}
			return withRemote(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.SelectVehicle(ctx, vehicleID, driverID)
				if err != nil {
					return err
				}
				return printSession(a, s)
			})
		},
	}
	cmd.Flags().Int64Var(&vehicleID, "vehicle", 0, "vehicle id")
	cmd.Flags().Int64Var(&driverID, "driver", 0, "driver id")
	return cmd
}

func driverCmd() *cobra.Command {
	var info domain.DriverInfo
	cmd := &cobra.Command{
		Use:   "driver",
		Short: "Record the driver's documents and load the checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.SubmitDriverInfo(ctx, info)
				if err != nil {
					return err
				}
				return printSession(a, s)
			})
		},
	}
	cmd.Flags().Int64Var(&info.DriverID, "driver-id", 0, "driver id")
	cmd.Flags().StringVar(&info.LicenseNumber, "license-number", "", "license number")
	cmd.Flags().StringVar(&info.LicenseType, "license-type", "", "license type")
	cmd.Flags().StringVar(&info.LicenseExpiry, "license-expiry", "", "license expiry (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&info.DefensiveCourse, "defensive-course", false, "driver has a defensive driving course")
	cmd.Flags().StringVar(&info.CourseExpiry, "course-expiry", "", "course expiry (YYYY-MM-DD)")
	cmd.Flags().StringVar(&info.CourseDuration, "course-duration", "", "course duration")
	cmd.Flags().StringVar(&info.InsurancePolicy, "insurance-policy", "", "insurance policy number")
	cmd.Flags().StringVar(&info.InsuranceExpiry, "insurance-expiry", "", "insurance expiry (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&info.Odometer, "odometer", 0, "odometer reading")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.Session()
				if err != nil {
					return err
				}
				return printSession(a, s)
			})
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the checklist of the session in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.Session()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Items)
				}
				requireForBad := a.Engine.Policy().RequirePhotoForBad
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "#", "Section", "Item", "Status", "Photos", "Observations"})
				for i, it := range s.Items {
					marker := ""
					if i == s.Index {
						marker = ">"
					}
					status := string(it.Status)
					if it.NeedsPhoto(requireForBad) {
						status += " (photo required)"
					}
					tw.AppendRow(table.Row{marker, i + 1, it.Section, it.Name, status, len(it.Photos), it.Observations})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func markCmd() *cobra.Command {
	var obs string
	var photos []string
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "mark <good|regular|bad|na>",
		Short: "Record a verdict for the current item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				u := engine.ItemUpdate{Status: status, Observations: obs}
				var loc *domain.Location
				if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
					loc = &domain.Location{Latitude: lat, Longitude: lon}
				}
				for _, path := range photos {
					p, err := photoFromFile(ctx, path, a, loc)
					if err != nil {
						return fmt.Errorf("photo %s: %w", path, err)
					}
					u.Photos = append(u.Photos, p)
				}
				s, err := a.Engine.SetItemStatus(ctx, u)
				if err != nil {
					var pr *engine.PhotoRequiredError
					if errors.As(err, &pr) {
						return fmt.Errorf("%w; retry with --photo <file>", err)
					}
					return err
				}
				return printSession(a, s)
			})
		},
	}
	cmd.Flags().StringVar(&obs, "obs", "", "observations")
	cmd.Flags().StringSliceVar(&photos, "photo", nil, "photo file (repeatable)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude attached to photos when GPS is enabled")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude attached to photos when GPS is enabled")
	return cmd
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Move to the next item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.Advance(ctx)
				if err != nil {
					var ie *engine.IncompleteItemsError
					if errors.As(err, &ie) {
						return fmt.Errorf("%w; the cursor moved to item %d", err, ie.FirstIndex+1)
					}
					return err
				}
				return printSession(a, s)
			})
		},
	}
}

func backCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "back",
		Short: "Move to the previous item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.Retreat(ctx)
				if err != nil {
					return err
				}
				return printSession(a, s)
			})
		},
	}
}

func signCmd() *cobra.Command {
	var strokesFile string
	var amend bool
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Record the driver's signature from a strokes file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strokesFile == "" {
				return fmt.Errorf("--strokes required")
			}
			sig, err := signatureFromFile(strokesFile)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				if amend || a.Engine.Screen() == domain.ScreenSummary {
					if _, err := a.Engine.AmendSignature(ctx); err != nil {
						return err
					}
				}
				s, err := a.Engine.RecordSignature(ctx, sig)
				if err != nil {
					return err
				}
				return printSession(a, s)
			})
		},
	}
	cmd.Flags().StringVar(&strokesFile, "strokes", "", "JSON file with width, height and strokes")
	cmd.Flags().BoolVar(&amend, "amend", false, "replace a recorded signature")
	return cmd
}

func observeCmd() *cobra.Command {
	var clearObs bool
	cmd := &cobra.Command{
		Use:   "observe [text]",
		Short: "Set the general observations sent on completion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !clearObs {
				return errors.New("observations text is required (or --clear)")
			}
			text := ""
			if !clearObs {
				text = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.SetObservations(ctx, text)
				if err != nil {
					return err
				}
				return printSession(a, s)
			})
		},
	}
	cmd.Flags().BoolVar(&clearObs, "clear", false, "clear the general observations")
	return cmd
}

func captureCmd() *cobra.Command {
	cc := &cobra.Command{Use: "capture", Short: "Enter or leave the capture steps of the current item"}
	steps := []struct {
		use, short string
		run        func(*engine.Engine, context.Context) (*domain.Session, error)
	}{
		{"observations", "Open the observation editor", (*engine.Engine).OpenObservations},
		{"camera", "Open the photo step", (*engine.Engine).OpenCamera},
		{"cancel", "Return to the item without saving", (*engine.Engine).CancelCapture},
	}
	for _, st := range steps {
		cc.AddCommand(&cobra.Command{
			Use:   st.use,
			Short: st.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.Context) error {
					s, err := st.run(a.Engine, ctx)
					if err != nil {
						return err
					}
					return printSession(a, s)
				})
			},
		})
	}
	return cc
}

func finishCmd() *cobra.Command {
	var obs string
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Sync every pending change and complete the inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd, func(ctx context.Context, a *app.Context) error {
				if cmd.Flags().Changed("obs") {
					if _, err := a.Engine.SetObservations(ctx, obs); err != nil {
						return err
					}
				}
				s, err := a.Engine.Finalize(ctx)
				if err != nil {
					var rej *engine.RejectionError
					if errors.As(err, &rej) {
						return fmt.Errorf("%s (%s)", rej.Reason.Message(), rej.Message)
					}
					return err
				}
				return printSession(a, s)
			})
		},
	}
	cmd.Flags().StringVar(&obs, "obs", "", "general observations to send with the completion")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Abandon the session and drop its pending changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.Cancel(ctx); err != nil {
					return err
				}
				fmt.Println("inspection cancelled")
				return nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Inspect and replay queued changes"}
	sc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and rejected changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				pending, err := a.Queue.List(ctx)
				if err != nil {
					return err
				}
				rejected, err := a.Queue.Rejected(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pending": pending, "rejected": rejected})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Op", "Entity", "Target", "Attempts", "Last error"})
				for _, m := range pending {
					tw.AppendRow(table.Row{m.ID, "pending", m.Op, m.Entity, m.TargetID, m.Attempts, m.LastError})
				}
				for _, m := range rejected {
					tw.AppendRow(table.Row{m.ID, "rejected", m.Op, m.Entity, m.TargetID, m.Attempts, m.LastError})
				}
				tw.Render()
				return nil
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Replay pending changes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd, func(ctx context.Context, a *app.Context) error {
				res, err := a.Queue.Drain(ctx)
				if perr := printJSONOrTable(res); perr != nil {
					return perr
				}
				return err
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a pending or rejected change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				return a.Queue.Discard(ctx, args[0])
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a rejected change back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				m, err := a.Queue.Requeue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	return sc
}

func cacheCmd() *cobra.Command {
	cc := &cobra.Command{Use: "cache", Short: "Manage the local cache"}
	cc.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "List cached keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				info, err := a.Cache.Info(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Bytes", "Stored", "Expires", "Expired"})
				for _, e := range info.Items {
					tw.AppendRow(table.Row{e.Key, e.SizeBytes, e.StoredAt.Format(time.RFC3339), e.ExpiresAt.Format(time.RFC3339), yesNo(e.Expired)})
				}
				tw.AppendFooter(table.Row{fmt.Sprintf("%d entries", info.Entries), info.TotalBytes, "", "", ""})
				tw.Render()
				return nil
			})
		},
	})

	cc.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "Print the live cache keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				keys, err := a.Cache.Keys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			})
		},
	})

	var out string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write every live entry to a backup document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				exp, err := a.Cache.ExportAll(ctx)
				if err != nil {
					return err
				}
				if out == "" {
					return printJSON(exp)
				}
				data, err := json.MarshalIndent(exp, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return err
				}
				fmt.Printf("Exported %d entries to %s\n", len(exp.Data), out)
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cc.AddCommand(exportCmd)

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Restore entries from a backup document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			exp, err := cache.DecodeExport(data)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				n, err := a.Cache.ImportAll(ctx, exp)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d of %d entries\n", n, len(exp.Data))
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "backup document")
	cc.AddCommand(importCmd)

	cc.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				n, err := a.Cache.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d entries\n", n)
				return nil
			})
		},
	})
	return cc
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Session activity journal"}
	var n int
	var evtType string
	var inspectionID int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Context) error {
				list, err := a.Journal.List(ctx, events.Query{InspectionID: inspectionID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Inspection", "Entity", "Screen", "Payload"})
				for _, e := range list {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.InspectionID, e.EntityKind + ":" + e.EntityID, e.Screen, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "limit", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().Int64Var(&inspectionID, "inspection", 0, "inspection id filter")
	lc.AddCommand(tail)
	return lc
}

func settingsCmd() *cobra.Command {
	sc := &cobra.Command{Use: "settings", Short: "Company inspection settings"}
	sc.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Fetch the company settings and cache them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemote(cmd, func(ctx context.Context, a *app.Context) error {
				p, err := a.Engine.SyncSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return sc
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with a periodic background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, func(_ context.Context, a *app.Context) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Journal:  a.Journal,
					BasePath: a.Config.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
					Logger:   a.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					periodicDrain(gctx, a.Queue, a.Config.Sync.Interval, a.Log)
					return nil
				})
				fmt.Printf("Serving fleet inspection API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

// periodicDrain replays the queue every interval until ctx is done.
func periodicDrain(ctx context.Context, q *syncq.Queue, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := q.Drain(ctx)
			switch {
			case err == nil:
				if res.Applied > 0 {
					logger.Info("periodic drain", "applied", res.Applied)
				}
			case errors.Is(err, syncq.ErrRemoteUnavailable), errors.Is(err, context.Canceled):
				logger.Debug("periodic drain deferred", "remaining", res.Remaining, "error", err.Error())
			default:
				logger.Warn("periodic drain stopped", "remaining", res.Remaining, "error", err.Error())
			}
		}
	}
}

// --- helpers ---

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	for key, dst := range map[string]*string{
		"remote.url":        &cfg.Remote.URL,
		"remote.database":   &cfg.Remote.Database,
		"remote.login":      &cfg.Remote.Login,
		"remote.password":   &cfg.Remote.Password,
		"remote.session-id": &cfg.Remote.SessionID,
		"server.jwt-secret": &cfg.Server.JWTSecret,
	} {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	applyLogFlags(cmd, &cfg.Log)
	return cfg, nil
}

// applyLogFlags lets explicit --log.* flags win over the config file.
func applyLogFlags(cmd *cobra.Command, o *log.Options) {
	fs := cmd.Flags()
	if fs.Changed("log.name") {
		o.Name = logOpts.Name
	}
	if fs.Changed("log.level") {
		o.Level = logOpts.Level
	}
	if fs.Changed("log.format") {
		o.Format = logOpts.Format
	}
	if fs.Changed("log.enable-color") {
		o.EnableColor = logOpts.EnableColor
	}
	if fs.Changed("log.disable-caller") {
		o.DisableCaller = logOpts.DisableCaller
	}
	if fs.Changed("log.output-paths") {
		o.OutputPaths = logOpts.OutputPaths
	}
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Restore:   true,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withRemote is withApp for commands that must reach the backend.
func withRemote(cmd *cobra.Command, fn func(context.Context, *app.Context) error) error {
	return withApp(cmd, func(ctx context.Context, a *app.Context) error {
		if err := a.Config.RequireRemote(); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func printSession(a *app.Context, s *domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	var id int64
	if s.InspectionID != nil {
		id = *s.InspectionID
	}
	vehicle := s.Vehicle.Name
	if s.Vehicle.LicensePlate != "" {
		vehicle += " (" + s.Vehicle.LicensePlate + ")"
	}
	tw.AppendRow(table.Row{"Inspection", id})
	tw.AppendRow(table.Row{"Vehicle", strings.TrimSpace(vehicle)})
	tw.AppendRow(table.Row{"Screen", s.Screen})
	if len(s.Items) > 0 {
		position := fmt.Sprintf("%d/%d", min(s.Index+1, len(s.Items)), len(s.Items))
		if cur, ok := s.Current(); ok {
			position += " " + cur.Name
			if cur.NeedsPhoto(a.Engine.Policy().RequirePhotoForBad) {
				position += " (photo required)"
			}
		}
		tw.AppendRow(table.Row{"Item", position})
		tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%.0f%% (good %d, regular %d, bad %d, na %d)",
			s.Stats.CompletionPercent, s.Stats.Good, s.Stats.Regular, s.Stats.Bad, s.Stats.NA)})
		tw.AppendRow(table.Row{"Overall", s.Stats.Overall})
	}
	tw.AppendRow(table.Row{"Signed", yesNo(!s.Signature.Empty())})
	if n, err := a.Queue.Len(context.Background()); err == nil {
		tw.AppendRow(table.Row{"Pending changes", n})
	}
	tw.Render()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signatureFromFile reads pad strokes and renders them through a Pad.
func signatureFromFile(path string) (*domain.Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in domain.Signature
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid strokes file: %w", err)
	}
	pad := capture.NewPad(in.Width, in.Height)
	pad.Load(in.Strokes)
	sig, err := pad.Artifact()
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, capture.ErrEmptySignature
	}
	return sig, nil
}
