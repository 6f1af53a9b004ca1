/*Package emccd simulates the raw readout of an electron multiplying CCD.

A frame is synthesized in strict sequence:

 // place the flux map and actualize electrons in the image area
 img, err := det.ImageSection(flux, frametime, src)

 // prepend the prescan, clock through the gain register, add noise and bias
 out, err := det.SerialRegister(img, src)

Detect runs both stages.  Every stochastic step draws from the rand.Source
passed in, so a fixed seed reproduces a frame bit for bit, and concurrent
simulations never share random state as long as each has its own source.
A Detector holds no mutable state and is safe for concurrent use.

The cosmic ray model, the gain register amplification, serial register history
effects, the fixed pattern and charge transfer inefficiency are collaborators
behind interfaces so that other implementations (or deterministic test doubles)
may be swapped in.
*/
package emccd
