package detector

import "fmt"

// BuildReport turns raw readability counts into the student-facing summary.
// The tier boundaries are part of the product contract: >=75% readable gets
// light guidance, 50-75% gets repositioning advice, below 50% asks for a
// retake.
func BuildReport(total, readable, unreadable int) string {
	if total == 0 {
		return "No component codes were detected in your photo. Make sure the whole circuit is inside the frame and the photo is taken in good light, then upload again."
	}

	if unreadable == 0 {
		return fmt.Sprintf("All %d component codes in your photo are readable. Nice clear shot - your circuit is ready for review.", total)
	}

	ratio := float64(readable) / float64(total)
	unclear := fmt.Sprintf("%d are not clear enough", unreadable)
	if unreadable == 1 {
		unclear = "1 is not clear enough"
	}

	switch {
	case ratio >= 0.75:
		return fmt.Sprintf("%d of %d component codes are readable, but %s. Hold the camera a little closer to the unclear component and make sure it is in focus.", readable, total, unclear)
	case ratio >= 0.50:
		return fmt.Sprintf("%d of %d component codes are readable, but %s. Try moving the camera directly above the board and avoid shadows falling across the components.", readable, total, unclear)
	default:
		return fmt.Sprintf("Only %d of %d component codes could be read (%s). Please retake the photo: place the circuit on a flat surface, use bright even lighting, and keep the camera steady.", readable, total, unclear)
	}
}
