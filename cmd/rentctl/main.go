package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/driveease/rentctl/internal/api"
	"github.com/driveease/rentctl/internal/authstore"
	"github.com/driveease/rentctl/internal/identity"
	"github.com/driveease/rentctl/internal/session"
	"github.com/driveease/rentctl/pkg/pricing"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingAPIBaseURL    = "config.missing_api_base_url"
	configCodeMissingStorageURL    = "config.missing_storage_url"
	configCodeMissingGoogleClient  = "config.missing_google_client_id"
	configCodeInvalidHTTPTimeout   = "config.invalid_http_timeout"
	configCodeInvalidPollInterval  = "config.invalid_storage_poll_interval"
	configCodeUninitializedConfig  = "config.uninitialized_client_config"
	configCodeSessionPathResolve   = "config.session_path_resolve"
	configCodeInvalidBookingWindow = "config.invalid_booking_window"
)

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

// ClientConfig carries everything the subcommands need to reach the backend
// and the local session storage.
type ClientConfig struct {
	APIBaseURL          string
	StorageURL          string
	GoogleClientID      string
	GoogleClientSecret  string
	SessionPath         string
	HTTPTimeout         time.Duration
	StoragePollInterval time.Duration
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "rentctl",
		Short:             "DriveEase marketplace client: Google sign-in sessions and authenticated catalog reads",
		PersistentPreRunE: prepareClientConfig,
	}

	rootCmd.PersistentFlags().String("api_base_url", "", "Rental backend base URL")
	rootCmd.PersistentFlags().String("storage_url", "", "Session storage URL (file://, sqlite://, or postgres://)")
	rootCmd.PersistentFlags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.PersistentFlags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.PersistentFlags().String("session_path", "", "Identity session file; defaults next to file storage or under the home directory")
	rootCmd.PersistentFlags().Duration("http_timeout", api.DefaultTimeout, "Backend request timeout")
	rootCmd.PersistentFlags().Duration("storage_poll_interval", 2*time.Second, "Change-poll interval for database-backed storage")

	_ = viper.BindPFlag("api_base_url", rootCmd.PersistentFlags().Lookup("api_base_url"))
	_ = viper.BindPFlag("storage_url", rootCmd.PersistentFlags().Lookup("storage_url"))
	_ = viper.BindPFlag("google_client_id", rootCmd.PersistentFlags().Lookup("google_client_id"))
	_ = viper.BindPFlag("google_client_secret", rootCmd.PersistentFlags().Lookup("google_client_secret"))
	_ = viper.BindPFlag("session_path", rootCmd.PersistentFlags().Lookup("session_path"))
	_ = viper.BindPFlag("http_timeout", rootCmd.PersistentFlags().Lookup("http_timeout"))
	_ = viper.BindPFlag("storage_poll_interval", rootCmd.PersistentFlags().Lookup("storage_poll_interval"))

	viper.SetEnvPrefix("RENTCTL")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newLogoutCommand())
	rootCmd.AddCommand(newWhoAmICommand())
	rootCmd.AddCommand(newVehiclesCommand())
	rootCmd.AddCommand(newVehicleCommand())
	rootCmd.AddCommand(newCustomerCommand())
	rootCmd.AddCommand(newRatingCommand())
	rootCmd.AddCommand(newQuoteCommand())

	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, clientConfig))
	return nil
}

func LoadClientConfig() (ClientConfig, error) {
	apiBaseURL := viper.GetString("api_base_url")
	if apiBaseURL == "" {
		return ClientConfig{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}

	storageURL := viper.GetString("storage_url")
	if storageURL == "" {
		return ClientConfig{}, configError(configCodeMissingStorageURL, "storage_url must be provided")
	}

	httpTimeout := viper.GetDuration("http_timeout")
	if httpTimeout <= 0 {
		return ClientConfig{}, configError(configCodeInvalidHTTPTimeout, "http_timeout must be greater than zero")
	}

	pollInterval := viper.GetDuration("storage_poll_interval")
	if pollInterval <= 0 {
		return ClientConfig{}, configError(configCodeInvalidPollInterval, "storage_poll_interval must be greater than zero")
	}

	sessionPath := viper.GetString("session_path")
	if sessionPath == "" {
		resolved, resolveErr := defaultSessionPath()
		if resolveErr != nil {
			return ClientConfig{}, fmt.Errorf("%s: %w", configCodeSessionPathResolve, resolveErr)
		}
		sessionPath = resolved
	}

	return ClientConfig{
		APIBaseURL:          apiBaseURL,
		StorageURL:          storageURL,
		GoogleClientID:      viper.GetString("google_client_id"),
		GoogleClientSecret:  viper.GetString("google_client_secret"),
		SessionPath:         sessionPath,
		HTTPTimeout:         httpTimeout,
		StoragePollInterval: pollInterval,
	}, nil
}

func defaultSessionPath() (string, error) {
	homeDir, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return "", homeErr
	}
	return filepath.Join(homeDir, ".rentctl", "identity_session.json"), nil
}

func clientConfigFromCommand(command *cobra.Command) (ClientConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(clientConfigContextKey)
	}
	clientConfig, ok := contextValue.(ClientConfig)
	if !ok {
		return ClientConfig{}, configError(configCodeUninitializedConfig, "client configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return clientConfig, nil
}

// environment is the wired-up set of collaborators a subcommand works with.
type environment struct {
	logger *zap.Logger
	store  authstore.Store
	client *api.Client
}

func buildEnvironment(clientConfig ClientConfig) (*environment, func(), error) {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return nil, nil, loggerErr
	}

	store, openErr := authstore.Open(clientConfig.StorageURL, authstore.OpenOptions{
		Logger:       logger,
		PollInterval: clientConfig.StoragePollInterval,
	})
	if openErr != nil {
		_ = logger.Sync()
		return nil, nil, openErr
	}

	client, clientErr := api.NewClient(api.Config{
		BaseURL: clientConfig.APIBaseURL,
		Timeout: clientConfig.HTTPTimeout,
		Store:   store,
		Logger:  logger,
	})
	if clientErr != nil {
		_ = store.Close()
		_ = logger.Sync()
		return nil, nil, clientErr
	}

	cleanup := func() {
		_ = store.Close()
		_ = logger.Sync()
	}
	return &environment{logger: logger, store: store, client: client}, cleanup, nil
}

func buildController(clientConfig ClientConfig, env *environment) (*session.Controller, error) {
	if clientConfig.GoogleClientID == "" {
		return nil, configError(configCodeMissingGoogleClient, "google_client_id must be provided for sign-in commands")
	}
	provider, providerErr := identity.NewGoogleProvider(identity.GoogleConfig{
		ClientID:     clientConfig.GoogleClientID,
		ClientSecret: clientConfig.GoogleClientSecret,
		SessionPath:  clientConfig.SessionPath,
		Logger:       env.logger,
	})
	if providerErr != nil {
		return nil, providerErr
	}
	controller, controllerErr := session.NewController(session.Config{
		Provider: provider,
		Client:   env.client,
		Store:    env.store,
		Logger:   env.logger,
		Metrics:  session.NewCounterMetrics(),
	})
	if controllerErr != nil {
		return nil, controllerErr
	}
	return controller, nil
}

func newLoginCommand() *cobra.Command {
	var returnTarget string
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in with Google and establish a backend session",
		RunE: func(command *cobra.Command, arguments []string) error {
			clientConfig, configErr := clientConfigFromCommand(command)
			if configErr != nil {
				return configErr
			}
			env, cleanup, buildErr := buildEnvironment(clientConfig)
			if buildErr != nil {
				return buildErr
			}
			defer cleanup()

			controller, controllerErr := buildController(clientConfig, env)
			if controllerErr != nil {
				return controllerErr
			}
			defer controller.Close()
			controller.Start()

			if rememberErr := rememberReturnTarget(env.store, returnTarget); rememberErr != nil {
				return rememberErr
			}

			if signInErr := controller.SignIn(command.Context()); signInErr != nil {
				return fmt.Errorf("login failed: %w", signInErr)
			}

			snapshot := controller.Snapshot()
			if !snapshot.IsAuthenticated {
				return errors.New("login did not produce an authenticated session")
			}
			select {
			case notification := <-controller.Notifications():
				fmt.Println(notification.Message)
			default:
			}
			if snapshot.Customer != nil {
				fmt.Printf("Signed in as %s %s <%s>\n", snapshot.Customer.FirstName, snapshot.Customer.LastName, snapshot.Customer.Email)
			}
			if target := takeReturnTarget(env.store, env.logger); target != "" {
				fmt.Printf("Return to %s\n", target)
			}
			return nil
		},
	}
	command.Flags().StringVar(&returnTarget, "return_to", "", "Resource to return to after signing in")
	return command
}

// rememberReturnTarget stores the resource the user was after before the
// sign-in round trip, so a successful login can point them back at it.
func rememberReturnTarget(store authstore.Store, target string) error {
	if target == "" {
		return nil
	}
	if saveErr := store.SaveRedirectTarget(target); saveErr != nil {
		return fmt.Errorf("save return target: %w", saveErr)
	}
	return nil
}

// takeReturnTarget consumes the stored return target, if any. A read failure
// only costs the reminder, so it is logged rather than surfaced.
func takeReturnTarget(store authstore.Store, logger *zap.Logger) string {
	target, takeErr := store.TakeRedirectTarget()
	if takeErr != nil {
		logger.Warn("read return target", zap.Error(takeErr))
		return ""
	}
	return target
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out everywhere this storage is shared",
		RunE: func(command *cobra.Command, arguments []string) error {
			clientConfig, configErr := clientConfigFromCommand(command)
			if configErr != nil {
				return configErr
			}
			env, cleanup, buildErr := buildEnvironment(clientConfig)
			if buildErr != nil {
				return buildErr
			}
			defer cleanup()

			controller, controllerErr := buildController(clientConfig, env)
			if controllerErr != nil {
				return controllerErr
			}
			defer controller.Close()
			controller.Start()

			if logoutErr := controller.Logout(command.Context()); logoutErr != nil {
				return logoutErr
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the locally stored session",
		RunE: func(command *cobra.Command, arguments []string) error {
			clientConfig, configErr := clientConfigFromCommand(command)
			if configErr != nil {
				return configErr
			}
			env, cleanup, buildErr := buildEnvironment(clientConfig)
			if buildErr != nil {
				return buildErr
			}
			defer cleanup()

			bundle, readErr := env.store.ReadBundle()
			if readErr != nil {
				return readErr
			}
			if bundle == nil {
				fmt.Println("Not signed in.")
				return nil
			}
			customer := bundle.UserDetails
			fmt.Printf("Signed in as %s %s <%s>\n", customer.FirstName, customer.LastName, customer.Email)
			if expiry, expiryErr := api.TokenExpiry(bundle.Token); expiryErr == nil {
				fmt.Printf("Access token expires %s\n", expiry.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newVehiclesCommand() *cobra.Command {
	var filters api.VehicleFilters
	command := &cobra.Command{
		Use:   "vehicles",
		Short: "List publicly available vehicles",
		RunE: func(command *cobra.Command, arguments []string) error {
			clientConfig, configErr := clientConfigFromCommand(command)
			if configErr != nil {
				return configErr
			}
			env, cleanup, buildErr := buildEnvironment(clientConfig)
			if buildErr != nil {
				return buildErr
			}
			defer cleanup()

			listings, listErr := env.client.Vehicles(command.Context(), filters)
			if listErr != nil {
				return listErr
			}
			return printJSON(listings)
		},
	}
	command.Flags().Int64Var(&filters.MinPrice, "min_price", 0, "Minimum daily rate")
	command.Flags().Int64Var(&filters.MaxPrice, "max_price", 0, "Maximum daily rate")
	command.Flags().StringVar(&filters.Make, "make", "", "Vehicle make")
	command.Flags().StringVar(&filters.Model, "model", "", "Vehicle model")
	command.Flags().IntVar(&filters.MinYear, "min_year", 0, "Minimum manufacture year")
	command.Flags().IntVar(&filters.MaxYear, "max_year", 0, "Maximum manufacture year")
	command.Flags().StringVar(&filters.AvailableStartDate, "available_from", "", "Availability window start (YYYY-MM-DD)")
	command.Flags().StringVar(&filters.AvailableEndDate, "available_to", "", "Availability window end (YYYY-MM-DD)")
	command.Flags().StringVar(&filters.City, "city", "", "Registered city")
	command.Flags().StringVar(&filters.Country, "country", "", "Registered country")
	return command
}

func newVehicleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vehicle <id>",
		Short: "Show one vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return runEntityLookup(command, arguments[0], func(ctx context.Context, env *environment, id int64) (any, error) {
				return env.client.VehicleDetails(ctx, id)
			})
		},
	}
}

func newCustomerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "customer <id>",
		Short: "Show a customer profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return runEntityLookup(command, arguments[0], func(ctx context.Context, env *environment, id int64) (any, error) {
				return env.client.CustomerDetails(ctx, id)
			})
		},
	}
}

func newRatingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rating <id>",
		Short: "Show a user's review rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return runEntityLookup(command, arguments[0], func(ctx context.Context, env *environment, id int64) (any, error) {
				rating, ratingErr := env.client.UserRating(ctx, id)
				var apiErr *api.APIError
				if errors.As(ratingErr, &apiErr) {
					// Users without reviews come back as an envelope error;
					// show them as unrated rather than failing the command.
					return &api.Rating{}, nil
				}
				return rating, ratingErr
			})
		},
	}
}

func runEntityLookup(command *cobra.Command, rawID string, lookup func(ctx context.Context, env *environment, id int64) (any, error)) error {
	id, parseErr := strconv.ParseInt(rawID, 10, 64)
	if parseErr != nil {
		return fmt.Errorf("invalid id %q: %w", rawID, parseErr)
	}
	clientConfig, configErr := clientConfigFromCommand(command)
	if configErr != nil {
		return configErr
	}
	env, cleanup, buildErr := buildEnvironment(clientConfig)
	if buildErr != nil {
		return buildErr
	}
	defer cleanup()

	entity, lookupErr := lookup(command.Context(), env, id)
	if lookupErr != nil {
		return lookupErr
	}
	return printJSON(entity)
}

func newQuoteCommand() *cobra.Command {
	var fromDate, toDate string
	command := &cobra.Command{
		Use:   "quote <vehicle-id>",
		Short: "Preview the booking price for a rental window",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			vehicleID, parseErr := strconv.ParseInt(arguments[0], 10, 64)
			if parseErr != nil {
				return fmt.Errorf("invalid vehicle id %q: %w", arguments[0], parseErr)
			}
			pickup, pickupErr := time.Parse("2006-01-02", fromDate)
			if pickupErr != nil {
				return configError(configCodeInvalidBookingWindow, "from must be YYYY-MM-DD")
			}
			dropoff, dropoffErr := time.Parse("2006-01-02", toDate)
			if dropoffErr != nil {
				return configError(configCodeInvalidBookingWindow, "to must be YYYY-MM-DD")
			}

			clientConfig, configErr := clientConfigFromCommand(command)
			if configErr != nil {
				return configErr
			}
			env, cleanup, buildErr := buildEnvironment(clientConfig)
			if buildErr != nil {
				return buildErr
			}
			defer cleanup()

			vehicle, vehicleErr := env.client.VehicleDetails(command.Context(), vehicleID)
			if vehicleErr != nil {
				return vehicleErr
			}

			// Backend daily rates are whole dollars.
			quote, quoteErr := pricing.NewQuote(vehicle.RentCharges*100, pickup, dropoff)
			if quoteErr != nil {
				return quoteErr
			}
			fmt.Printf("%s %s, %d day(s)\n", vehicle.Make, vehicle.Model, quote.Days)
			fmt.Printf("  Daily rate:  %s\n", pricing.FormatPrice(quote.DailyRateCents, "USD"))
			fmt.Printf("  Subtotal:    %s\n", pricing.FormatPrice(quote.SubtotalCents, "USD"))
			fmt.Printf("  Service fee: %s\n", pricing.FormatPrice(quote.ServiceCents, "USD"))
			fmt.Printf("  Total:       %s\n", pricing.FormatPrice(quote.TotalCents, "USD"))
			return nil
		},
	}
	command.Flags().StringVar(&fromDate, "from", "", "Pickup date (YYYY-MM-DD)")
	command.Flags().StringVar(&toDate, "to", "", "Drop-off date (YYYY-MM-DD)")
	_ = command.MarkFlagRequired("from")
	_ = command.MarkFlagRequired("to")
	return command
}

func printJSON(entity any) error {
	encoded, encodeErr := json.MarshalIndent(entity, "", "  ")
	if encodeErr != nil {
		return encodeErr
	}
	fmt.Println(string(encoded))
	return nil
}
