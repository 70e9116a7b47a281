package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "workerctl",
	Short: "Grid worker diagnostics client",
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [key]",
	Short: "List tracked tasks, or show one task",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/tasks"
		if len(args) == 1 {
			path += "/" + url.PathEscape(args[0])
		}
		return get(path, nil)
	},
}

var storyCmd = &cobra.Command{
	Use:   "story [key...]",
	Short: "Show transition history, optionally restricted to keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		for _, key := range args {
			query.Add("key", key)
		}
		if stimulus, _ := cmd.Flags().GetString("stimulus"); stimulus != "" {
			query.Set("stimulus", stimulus)
		}
		return get("/story", query)
	},
}

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "Show recent incoming and outgoing transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return get("/transfers", nil)
	},
}

func get(path string, query url.Values) error {
	uri := viper.GetString("uri") + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	response, err := http.Get(uri)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", response.Status, string(body))
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return err
	}

	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringP("uri", "u", "http://localhost:8080", "Worker HTTP URI")
	viper.BindPFlag("uri", rootCmd.PersistentFlags().Lookup("uri"))
	viper.SetEnvPrefix("grid")
	viper.AutomaticEnv()

	storyCmd.Flags().String("stimulus", "", "Restrict to one stimulus id")

	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(storyCmd)
	rootCmd.AddCommand(transfersCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
