package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/bichsonnhat/cr-sqlite/internal/config"
	"github.com/bichsonnhat/cr-sqlite/internal/database"
	"github.com/bichsonnhat/cr-sqlite/internal/logging"
	"github.com/bichsonnhat/cr-sqlite/internal/protocol"
	"github.com/bichsonnhat/cr-sqlite/internal/replication"
	"github.com/bichsonnhat/cr-sqlite/internal/transport/httpsync"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	var siteFlag string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a peer token for a site id",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			site, err := protocol.ParseSiteID(siteFlag)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssuePeerToken(cmd.Context(), site)
			if err != nil {
				return err
			}
			cmd.Println(token)
			cmd.PrintErrf("expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&siteFlag, "site", "", "Site id (32 hex characters) the token is issued to")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func newSiteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "site",
		Short: "Print the site id of the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReplica(cmd, false, func(_ context.Context, _ config.ClientConfig, store *database.Store, _ *zap.Logger) error {
				cmd.Println(store.SiteID().String())
				return nil
			})
		},
	}
}

func newPutCommand() *cobra.Command {
	var (
		table   string
		pk      string
		cid     string
		value   string
		setNull bool
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Write one column of the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReplica(cmd, false, func(ctx context.Context, _ config.ClientConfig, store *database.Store, _ *zap.Logger) error {
				write := database.Write{Table: table, PKs: pk, CID: cid}
				if !setNull {
					write.Value = protocol.StringValue(value)
				}
				version, err := store.Put(ctx, []database.Write{write})
				if err != nil {
					return err
				}
				cmd.Printf("db_version %d\n", version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Table name")
	cmd.Flags().StringVar(&pk, "pk", "", "Packed primary key")
	cmd.Flags().StringVar(&cid, "cid", "", "Column name")
	cmd.Flags().StringVar(&value, "value", "", "Column value")
	cmd.Flags().BoolVar(&setNull, "null", false, "Write NULL instead of a value")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("pk")
	_ = cmd.MarkFlagRequired("cid")
	return cmd
}

func newRowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rows",
		Short: "List the current column values of the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReplica(cmd, false, func(ctx context.Context, _ config.ClientConfig, store *database.Store, _ *zap.Logger) error {
				rows, err := store.Rows(ctx)
				if err != nil {
					return err
				}
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "TABLE\tPK\tCOLUMN\tVALUE\tCOL_VERSION")
				for _, row := range rows {
					value := "NULL"
					if row.Value != nil {
						value = *row.Value
					}
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\n", row.Table, row.PKs, row.CID, value, row.ColVersion)
				}
				return writer.Flush()
			})
		},
	}
}

func newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage schemas held by the sync server",
	}

	var (
		name     string
		version  int64
		file     string
		activate bool
	)
	upload := &cobra.Command{
		Use:   "upload",
		Short: "Upload a schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return callServer(cmd, protocol.UploadSchema{Name: name, Version: version, Content: string(content), Activate: activate})
		},
	}
	upload.Flags().StringVar(&name, "name", "", "Schema name")
	upload.Flags().Int64Var(&version, "version", 0, "Schema version")
	upload.Flags().StringVar(&file, "file", "", "File holding the schema definition")
	upload.Flags().BoolVar(&activate, "activate", false, "Make the uploaded version active")
	_ = upload.MarkFlagRequired("name")
	_ = upload.MarkFlagRequired("version")
	_ = upload.MarkFlagRequired("file")

	var (
		activateName    string
		activateVersion int64
	)
	activateCmd := &cobra.Command{
		Use:   "activate",
		Short: "Switch the active version of a schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callServer(cmd, protocol.ActivateSchema{Name: activateName, Version: activateVersion})
		},
	}
	activateCmd.Flags().StringVar(&activateName, "name", "", "Schema name")
	activateCmd.Flags().Int64Var(&activateVersion, "version", 0, "Schema version")
	_ = activateCmd.MarkFlagRequired("name")
	_ = activateCmd.MarkFlagRequired("version")

	cmd.AddCommand(upload, activateCmd)
	return cmd
}

func newProvisionCommand() *cobra.Command {
	var (
		dbidFlag string
		name     string
		version  int64
		file     string
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or migrate a server database and record its schema locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbid, err := protocol.ParseSiteID(dbidFlag)
			if err != nil {
				return err
			}
			var content string
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(raw)
			}
			return withReplica(cmd, true, func(ctx context.Context, clientConfig config.ClientConfig, store *database.Store, logger *zap.Logger) error {
				client, err := httpsync.NewRPCClient(clientConfig.ServerURL, clientConfig.Token, nil, logger)
				if err != nil {
					return err
				}
				reply, err := client.Call(ctx, protocol.CreateOrMigrate{
					DBID:          dbid,
					RequestorDBID: store.SiteID(),
					SchemaName:    name,
					SchemaVersion: version,
				})
				if err != nil {
					return err
				}
				response, ok := reply.(protocol.CreateOrMigrateResponse)
				if !ok {
					return fmt.Errorf("%w: %T", replication.ErrUnexpectedMessage, reply)
				}
				if err := store.SetSchema(ctx, name, version, content); err != nil {
					return err
				}
				cmd.Printf("%s (server holds %s for this replica)\n", response.Status, response.Seq)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dbidFlag, "dbid", "", "Server database id (32 hex characters)")
	cmd.Flags().StringVar(&name, "schema", "", "Schema name")
	cmd.Flags().Int64Var(&version, "version", 0, "Schema version")
	cmd.Flags().StringVar(&file, "file", "", "Optional local copy of the schema definition")
	_ = cmd.MarkFlagRequired("dbid")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var (
		dbidFlag  string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Stream changes between the local replica and a server database until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbid, err := protocol.ParseSiteID(dbidFlag)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return withReplica(cmd, true, func(ctx context.Context, clientConfig config.ClientConfig, store *database.Store, logger *zap.Logger) error {
				transport, err := httpsync.Dial(httpsync.StreamConfig{
					ServerURL: clientConfig.ServerURL,
					Token:     clientConfig.Token,
					DBID:      dbid,
					SessionID: sessionID,
					Logger:    logger.Named("transport"),
				})
				if err != nil {
					return err
				}
				synced, err := replication.NewSyncedDB(replication.Config{
					DB:        store,
					Transport: transport,
					Logger:    logger,
					BatchSize: clientConfig.BatchSize,
				})
				if err != nil {
					_ = transport.Close()
					return err
				}
				defer synced.Stop()

				if err := synced.Start(ctx); err != nil {
					return err
				}

				signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				select {
				case <-signalCtx.Done():
					logger.Info("sync interrupted")
					return nil
				case <-synced.Done():
					if err := synced.Err(); err != nil {
						return fmt.Errorf("sync stopped: %w", err)
					}
					return errors.New("sync stopped")
				case <-transport.Done():
					if err := synced.Err(); err != nil {
						return err
					}
					return errors.New("sync server closed the session")
				}
			})
		},
	}
	cmd.Flags().StringVar(&dbidFlag, "dbid", "", "Server database id (32 hex characters)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id; a random one is used when empty")
	_ = cmd.MarkFlagRequired("dbid")
	return cmd
}

type replicaFunc func(ctx context.Context, clientConfig config.ClientConfig, store *database.Store, logger *zap.Logger) error

func withReplica(cmd *cobra.Command, requireServer bool, run replicaFunc) error {
	clientConfig, err := config.LoadClient(viper.GetViper(), requireServer)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, "crsync-client")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := database.OpenStore(ctx, clientConfig.DatabasePath, logger.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	return run(ctx, clientConfig, store, logger)
}

func callServer(cmd *cobra.Command, msg protocol.Message) error {
	clientConfig, err := config.LoadClient(viper.GetViper(), true)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, "crsync-client")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := httpsync.NewRPCClient(clientConfig.ServerURL, clientConfig.Token, nil, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := client.Call(ctx, msg); err != nil {
		return err
	}
	cmd.Println("ok")
	return nil
}
