package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/lane"
)

// recognizeFlags 识别来源参数
type recognizeFlags struct {
	image    string
	camera   int
	piCamera bool
}

func (f *recognizeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.image, "image", "", "Recognize the plate from an image file")
	cmd.Flags().IntVar(&f.camera, "camera", -1, "Recognize the plate from camera id")
	cmd.Flags().BoolVar(&f.piCamera, "pi-camera", false, "Recognize the plate from the dedicated camera device")
}

func (f *recognizeFlags) any() bool {
	return f.image != "" || f.camera >= 0 || f.piCamera
}

// recognizer 入场与出场车道共有的识别能力
type recognizer interface {
	RecognizeFile(ctx context.Context, img lpr.Image) (*lpr.Result, error)
	RecognizeCamera(ctx context.Context, cameraID int) (*lpr.Result, error)
}

func (f *recognizeFlags) run(ctx context.Context, r recognizer, pi func(context.Context) (*lpr.Result, error)) (*lpr.Result, error) {
	switch {
	case f.image != "":
		img, err := loadImage(f.image)
		if err != nil {
			return nil, err
		}
		return r.RecognizeFile(ctx, img)
	case f.piCamera:
		if pi == nil {
			return nil, errors.New("--pi-camera is not supported here")
		}
		return pi(ctx)
	default:
		return r.RecognizeCamera(ctx, f.camera)
	}
}

func entryCommand(a *app) *cobra.Command {
	var (
		plate string
		card  string
		yes   bool
		src   recognizeFlags
	)

	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Record a vehicle entry",
		Long: "Record a vehicle entry. The plate can be typed with --plate or recognized " +
			"from --image, --camera or --pi-camera; a recognized plate is shown for confirmation " +
			"before anything is recorded unless --yes is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := lane.NewEntryLane("cli-entry", a.api, nil, a.logger)

			if src.any() {
				res, err := src.run(ctx, l, l.RecognizePiCamera)
				if err != nil {
					return fmt.Errorf("recognition failed: %w", err)
				}
				fmt.Fprintf(a.out, "Recognized plate %s (confidence %.2f)\n", res.LicensePlate, res.Confidence)
			}
			if plate != "" {
				if err := l.SetPlate(plate); err != nil {
					return err
				}
			}
			if err := l.SetCard(card); err != nil {
				return err
			}

			draft := l.Draft()
			if src.any() && !yes && !a.confirm(fmt.Sprintf("Record entry of %s with card %s?", draft.LicensePlate, draft.CardID)) {
				fmt.Fprintln(a.out, "Entry cancelled")
				return nil
			}

			log, err := l.Submit(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(log)
		},
	}

	cmd.Flags().StringVar(&plate, "plate", "", "License plate (overrides the recognized plate)")
	cmd.Flags().StringVar(&card, "card", "", "Parking card id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Record without asking for confirmation")
	src.bind(cmd)
	_ = cmd.MarkFlagRequired("card")

	return cmd
}

func exitCommand(a *app) *cobra.Command {
	var (
		plate string
		card  string
		yes   bool
		src   recognizeFlags
	)

	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Validate and complete a vehicle exit",
		Long: "Validate the exit plate against the entry recorded for --card, show the comparison, " +
			"then ask for confirmation before the entry is removed. A mismatch can still be " +
			"confirmed by the operator after visual inspection, but never with --yes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := lane.NewExitLane("cli-exit", a.api, nil, a.logger)

			if src.any() {
				res, err := src.run(ctx, l, nil)
				if err != nil {
					return fmt.Errorf("recognition failed: %w", err)
				}
				fmt.Fprintf(a.out, "Recognized plate %s (confidence %.2f)\n", res.LicensePlate, res.Confidence)
				if plate == "" {
					plate = res.LicensePlate
				}
			}
			if plate == "" {
				return errors.New("exit plate is required, set --plate or a recognition source")
			}

			v, err := l.Validate(ctx, card, plate)
			if err != nil && v == nil {
				return err
			}

			if v.Matched {
				fmt.Fprintf(a.out, "Plate matched: %s\n", v.Details.Entry)
			} else {
				fmt.Fprintf(a.out, "PLATE MISMATCH: entered as %s, exiting as %s\n", v.Details.Entry, v.Details.Exit)
			}
			fmt.Fprintf(a.out, "Card %s entered at %s\n", v.Entry.CardID, v.Entry.EntryTime.Local().Format("2006-01-02 15:04:05"))
			if v.Entry.Image != nil {
				fmt.Fprintf(a.out, "Entry image: %s\n", *v.Entry.Image)
			}

			if yes && !v.Matched {
				return errors.New("plate mismatch must be confirmed interactively, run again without --yes")
			}
			if !yes && !a.confirm("Complete exit and release the card?") {
				fmt.Fprintln(a.out, "Exit cancelled, entry kept")
				return nil
			}

			receipt, err := l.Confirm(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(receipt)
		},
	}

	cmd.Flags().StringVar(&plate, "plate", "", "Exit license plate")
	cmd.Flags().StringVar(&card, "card", "", "Parking card id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Complete without asking for confirmation")
	src.bind(cmd)
	_ = cmd.MarkFlagRequired("card")

	return cmd
}
