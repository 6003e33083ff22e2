package main

import (
	"fmt"

	"huddle/internal/core/domain"
	"huddle/internal/infrastructure/api"
	"huddle/pkg/validation"

	"github.com/spf13/cobra"
)

var transcriptUser string

var transcriptCmd = &cobra.Command{
	Use:   "transcript <room-id>",
	Short: "Print the stored transcript of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateRoomID(args[0]); err != nil {
			return err
		}
		roomID := domain.RoomID(args[0])
		cfg, zapLogger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer zapLogger.Sync()

		client := api.NewClient(cfg.Transcription.APIBaseURL, zapLogger.Sugar())
		if _, err := client.Join(cmd.Context(), api.JoinRequest{
			RoomID: roomID,
			UserID: domain.ParticipantID(transcriptUser),
		}); err != nil {
			return fmt.Errorf("authorize %s: %w", roomID, err)
		}
		segments, err := client.Transcript(cmd.Context(), roomID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), transcriptTable(segments))
		return nil
	},
}

func init() {
	transcriptCmd.Flags().StringVarP(&transcriptUser, "user", "u", "", "participant ID to authorize as")
	transcriptCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(transcriptCmd)
}
