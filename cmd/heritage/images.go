package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unpinImage bool

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage the local image blob cache",
}

var imagesEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Trim cached image blobs to the configured budget",
	Args:  cobra.NoArgs,
	RunE:  runImagesEvict,
}

var imagesPinCmd = &cobra.Command{
	Use:   "pin <content-id>",
	Short: "Protect an image blob from eviction",
	Args:  cobra.ExactArgs(1),
	RunE:  runImagesPin,
}

func init() {
	imagesPinCmd.Flags().BoolVar(&unpinImage, "unpin", false, "Release the pin instead")

	imagesCmd.AddCommand(imagesEvictCmd)
	imagesCmd.AddCommand(imagesPinCmd)
}

func runImagesEvict(cmd *cobra.Command, args []string) error {
	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	stats, err := m.EvictImages(cmdContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d blobs, freed %s, %s cached.\n",
		stats.Removed, formatSize(stats.FreedBytes), formatSize(stats.TotalBytes))
	return nil
}

func runImagesPin(cmd *cobra.Command, args []string) error {
	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.PinImage(cmdContext(cmd), args[0], !unpinImage); err != nil {
		return err
	}
	verb := "Pinned"
	if unpinImage {
		verb = "Unpinned"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s.\n", verb, args[0])
	return nil
}
