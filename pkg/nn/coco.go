package nn

import "math/rand/v2"

const (
	COCOPerson = 0
	COCOCar    = 2
	COCODog    = 16
)

// COCO classes
var COCOClasses = []string{
	"person",
	"bicycle",
	"car",
	"motorcycle",
	"airplane",
	"bus",
	"train",
	"truck",
	"boat",
	"traffic light",
	"fire hydrant",
	"stop sign",
	"parking meter",
	"bench",
	"bird",
	"cat",
	"dog",
	"horse",
	"sheep",
	"cow",
	"elephant",
	"bear",
	"zebra",
	"giraffe",
	"backpack",
	"umbrella",
	"handbag",
	"tie",
	"suitcase",
	"frisbee",
	"skis",
	"snowboard",
	"sports ball",
	"kite",
	"baseball bat",
	"baseball glove",
	"skateboard",
	"surfboard",
	"tennis racket",
	"bottle",
	"wine glass",
	"cup",
	"fork",
	"knife",
	"spoon",
	"bowl",
	"banana",
	"apple",
	"sandwich",
	"orange",
	"broccoli",
	"carrot",
	"hot dog",
	"pizza",
	"donut",
	"cake",
	"chair",
	"couch",
	"potted plant",
	"bed",
	"dining table",
	"toilet",
	"tv",
	"laptop",
	"mouse",
	"remote",
	"keyboard",
	"cell phone",
	"microwave",
	"oven",
	"toaster",
	"sink",
	"refrigerator",
	"book",
	"clock",
	"vase",
	"scissors",
	"teddy bear",
	"hair drier",
	"toothbrush",
}

// Color is an 8-bit RGB triplet. It serializes as a JSON array [r,g,b].
type Color [3]uint8

// MakePalette returns one color per class. Each channel is in [50, 255], so that
// black label text stays readable on top of it. The same seed always produces
// the same palette, so a class keeps its color across restarts.
func MakePalette(nClasses int, seed uint64) []Color {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	palette := make([]Color, nClasses)
	for i := range palette {
		for c := 0; c < 3; c++ {
			palette[i][c] = uint8(50 + rng.IntN(206))
		}
	}
	return palette
}
