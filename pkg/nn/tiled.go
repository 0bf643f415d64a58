package nn

import (
	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/tiledinference"
)

// TiledDetector runs a model over an image that is larger than the model's input.
// We look at the width and height of the model, and if the image is larger, then we split the image
// up into tiles, and run each of those tiles through the model. Then, we merge the tiles back
// into a single dataset.
// If the model is larger than the image, then we just run the model directly, so it is safe
// to wrap any detector in a TiledDetector.
type TiledDetector struct {
	Model      ObjectDetector
	MinPadding int // Minimum overlap between adjacent tiles, in pixels
}

func NewTiledDetector(model ObjectDetector) *TiledDetector {
	config := model.Config()
	// tiledinference requires the padding to be less than half the NN size
	return &TiledDetector{
		Model:      model,
		MinPadding: min(32, config.Width/4, config.Height/4),
	}
}

func (t *TiledDetector) Close() {
	t.Model.Close()
}

func (t *TiledDetector) Config() *ModelConfig {
	return t.Model.Config()
}

func (t *TiledDetector) Detect(img *cimg.Image) ([]Detection, error) {
	config := t.Model.Config()

	tiling := tiledinference.MakeTiling(img.Width, img.Height, config.Width, config.Height, t.MinPadding)
	if tiling.IsSingle() {
		return t.Model.Detect(img)
	}

	allObjects := []Detection{}
	allBoxes := []tiledinference.Box{}
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			objects, boxes, err := t.detectTile(tiling, tx, ty, img)
			if err != nil {
				return nil, err
			}
			allObjects = append(allObjects, objects...)
			allBoxes = append(allBoxes, boxes...)
		}
	}

	finalClip := Rect{
		X:      0,
		Y:      0,
		Width:  img.Width,
		Height: img.Height,
	}

	merged := []Detection{}
	groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
	for igroup, group := range groups {
		// Start with the first object in the group
		newObj := allObjects[group[0]]
		r := mergedBoxes[igroup].Rect

		// Use the merged box, which can be larger than the first object in the group
		newObj.Box = RectFromCorners(int(r.X1), int(r.Y1), int(r.X2), int(r.Y2)).Intersection(finalClip)

		// Use max(confidence) from all objects in the group
		for _, el := range group[1:] {
			newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
		}

		merged = append(merged, newObj)
	}

	return merged, nil
}

// Returns two parallel arrays
func (t *TiledDetector) detectTile(tiling tiledinference.Tiling, tx, ty int, img *cimg.Image) ([]Detection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := cimg.NewImage(tileRect.Width(), tileRect.Height(), img.Format)
	if err := crop.CopyImageRect(img, int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2), 0, 0); err != nil {
		return nil, nil, err
	}
	objects, err := t.Model.Detect(crop)
	if err != nil {
		return nil, nil, err
	}
	boxes := make([]tiledinference.Box, 0, len(objects))
	for i := range objects {
		objects[i].Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		b := objects[i].Box
		boxes = append(boxes, tiledinference.MakeBox(int32(b.X), int32(b.Y), int32(b.X2()), int32(b.Y2()), tiling.MakeTileIndex(tx, ty), int32(objects[i].Class)))
	}
	return objects, boxes, nil
}
